package ml

import (
	"math"
	"testing"
	"time"

	"github.com/route-beacon/bgp-sentry/internal/detection"
)

// identityArtifacts builds a model set whose scaler is a no-op, whose
// forest has a single stump splitting on announcements, and whose LSTM is
// all-zero (predicts the dense bias).
func identityArtifacts(t *testing.T) *Artifacts {
	t.Helper()
	nf := len(FeatureColumns)

	zeroRows := func(rows, cols int) [][]float64 {
		out := make([][]float64, rows)
		for i := range out {
			out[i] = make([]float64, cols)
		}
		return out
	}

	a := &Artifacts{
		FeatureScaler: &Scaler{
			Mean:  make([]float64, nf),
			Scale: ones(nf),
		},
		Forest: &IsolationForest{
			MaxSamples: 256,
			Offset:     -0.5,
			Trees: []Tree{{
				// Root splits on announcements <= 10; both children leaves.
				Feature:   []int{0, -1, -1},
				Threshold: []float64{10, 0, 0},
				Left:      []int{1, 0, 0},
				Right:     []int{2, 0, 0},
				Size:      []int{256, 128, 128},
			}},
		},
		LSTM: &LSTMModel{
			Units:       2,
			Kernel:      zeroRows(nf, 8),
			Recurrent:   zeroRows(2, 8),
			Bias:        make([]float64, 8),
			DenseKernel: zeroRows(2, nf),
			DenseBias:   make([]float64, nf),
		},
	}
	a.LSTMScaler = a.FeatureScaler
	if err := a.validate(); err != nil {
		t.Fatalf("artifacts invalid: %v", err)
	}
	return a
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestScoreSeverity_Buckets(t *testing.T) {
	cases := []struct {
		score float64
		want  detection.Severity
	}{
		{-1.0, detection.SeverityLow},
		{2.9999, detection.SeverityLow},
		{3.0, detection.SeverityMedium},
		{3.9999, detection.SeverityMedium},
		{4.0, detection.SeverityHigh},
		{4.9999, detection.SeverityHigh},
		{5.0, detection.SeverityCritical},
		{12.0, detection.SeverityCritical},
	}
	for _, c := range cases {
		if got := scoreSeverity(c.score); got != c.want {
			t.Errorf("scoreSeverity(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestEnsemble_ZScores(t *testing.T) {
	s := NewScorer(identityArtifacts(t), 10, "avg", 3.0)

	// iso at baseline mean, lstm at baseline mean: both z-scores zero.
	got := s.ensemble(isoBaselineMean, lstmBaselineMean)
	if got.ZISO != 0 || got.ZLSTM != 0 || got.Combined != 0 {
		t.Errorf("baseline scores should normalize to 0, got %+v", got)
	}
	if got.Anomaly {
		t.Error("baseline scores should not be anomalous")
	}

	// More negative forest score means more anomalous: z_iso rises.
	got = s.ensemble(isoBaselineMean-isoBaselineStd, lstmBaselineMean)
	if math.Abs(got.ZISO-1.0) > 1e-9 {
		t.Errorf("z_iso = %v, want 1.0", got.ZISO)
	}

	got = s.ensemble(isoBaselineMean, lstmBaselineMean+2*lstmBaselineStd)
	if math.Abs(got.ZLSTM-2.0) > 1e-9 {
		t.Errorf("z_lstm = %v, want 2.0", got.ZLSTM)
	}
	if math.Abs(got.Combined-1.0) > 1e-9 {
		t.Errorf("avg combined = %v, want 1.0", got.Combined)
	}
}

func TestEnsemble_MaxMethod(t *testing.T) {
	s := NewScorer(identityArtifacts(t), 10, "max", 3.0)

	got := s.ensemble(isoBaselineMean, lstmBaselineMean+4*lstmBaselineStd)
	if math.Abs(got.Combined-4.0) > 1e-9 {
		t.Errorf("max combined = %v, want 4.0", got.Combined)
	}
	if !got.Anomaly {
		t.Error("combined=4.0 should exceed threshold 3.0")
	}
	if got.Severity != detection.SeverityHigh {
		t.Errorf("severity = %s, want high", got.Severity)
	}
}

func TestLeftPadSequence(t *testing.T) {
	scaled := [][]float64{
		{1, 1}, {2, 2}, {3, 3},
	}

	seq := leftPadSequence(scaled, 1, 4)
	if len(seq) != 4 {
		t.Fatalf("len = %d, want 4", len(seq))
	}
	if seq[0][0] != 0 || seq[1][0] != 0 {
		t.Error("short history should be zero-padded at the front")
	}
	if seq[2][0] != 1 || seq[3][0] != 2 {
		t.Errorf("sequence tail = %v, want actual windows ending at pos", seq)
	}

	// Full history: plain slice, no padding.
	seq = leftPadSequence(scaled, 2, 3)
	if seq[0][0] != 1 || seq[2][0] != 3 {
		t.Errorf("full sequence = %v", seq)
	}
}

func TestIsolationForest_StumpScores(t *testing.T) {
	a := identityArtifacts(t)

	// Both branches land on equally-sized leaves, so the score is the same
	// everywhere: depth 1 + c(128).
	left := a.Forest.DecisionFunction([]float64{5, 0, 0, 0, 0, 0, 0, 0, 0})
	right := a.Forest.DecisionFunction([]float64{50, 0, 0, 0, 0, 0, 0, 0, 0})
	if math.Abs(left-right) > 1e-12 {
		t.Errorf("balanced stump should score both sides equally: %v vs %v", left, right)
	}

	wantPath := 1 + expectedPathLength(128)
	wantScore := -math.Pow(2, -wantPath/expectedPathLength(256)) + 0.5
	if math.Abs(left-wantScore) > 1e-12 {
		t.Errorf("score = %v, want %v", left, wantScore)
	}
}

func TestExpectedPathLength(t *testing.T) {
	if expectedPathLength(0) != 0 || expectedPathLength(1) != 0 {
		t.Error("c(n<=1) should be 0")
	}
	if expectedPathLength(2) != 1 {
		t.Error("c(2) should be 1")
	}
	// c is monotonically increasing for n > 2.
	if expectedPathLength(100) <= expectedPathLength(10) {
		t.Error("c should grow with n")
	}
}

func TestLSTM_ZeroModelPredictsBias(t *testing.T) {
	a := identityArtifacts(t)
	a.LSTM.DenseBias[0] = 0.25

	seq := make([][]float64, 3)
	for i := range seq {
		seq[i] = ones(len(FeatureColumns))
	}
	pred := a.LSTM.Predict(seq)
	if math.Abs(pred[0]-0.25) > 1e-12 {
		t.Errorf("pred[0] = %v, want dense bias 0.25", pred[0])
	}
	for _, v := range pred[1:] {
		if v != 0 {
			t.Errorf("zero-weight model should predict bias only, got %v", pred)
			break
		}
	}
}

func TestLSTM_GateArithmetic(t *testing.T) {
	// One unit, one feature. Saturate input and output gates, zero forget
	// gate, and drive the cell candidate with the input value.
	nf := 1
	m := &LSTMModel{
		Units:       1,
		Kernel:      [][]float64{{0, 0, 100, 0}}, // cell candidate = tanh(100*x)
		Recurrent:   [][]float64{{0, 0, 0, 0}},
		Bias:        []float64{100, -100, 0, 100}, // i=1, f=0, o=1
		DenseKernel: [][]float64{{2}},
		DenseBias:   make([]float64, nf),
	}

	// x=1: candidate tanh(100)≈1, c=1, h=tanh(1), dense doubles it.
	pred := m.Predict([][]float64{{1}})
	want := 2 * math.Tanh(1)
	if math.Abs(pred[0]-want) > 1e-6 {
		t.Errorf("pred = %v, want %v", pred[0], want)
	}

	// Two steps with forget gate closed: the second step overwrites state.
	pred = m.Predict([][]float64{{1}, {1}})
	if math.Abs(pred[0]-want) > 1e-6 {
		t.Errorf("forget=0 should keep state bounded, pred = %v, want %v", pred[0], want)
	}
}

func TestScoreBatch_AlignsWithInput(t *testing.T) {
	s := NewScorer(identityArtifacts(t), 3, "avg", 3.0)
	base := time.Date(2025, 7, 25, 18, 0, 0, 0, time.UTC)

	rows := []detection.FeatureRow{
		{WindowStart: base, Prefix: "10.0.0.0/8", OriginAS: 65000, Announcements: 5},
		{WindowStart: base, Prefix: "1.1.1.0/24", OriginAS: 13335, Announcements: 50},
		{WindowStart: base.Add(time.Minute), Prefix: "10.0.0.0/8", OriginAS: 65000, Announcements: 6},
	}

	scores := s.ScoreBatch(rows)
	if len(scores) != len(rows) {
		t.Fatalf("got %d scores for %d rows", len(scores), len(rows))
	}
	for i, sc := range scores {
		if math.IsNaN(sc.Combined) {
			t.Errorf("row %d: NaN combined score", i)
		}
		if sc.Severity == "" {
			t.Errorf("row %d: missing severity", i)
		}
	}
}

func TestFeatureVector_NullPathLength(t *testing.T) {
	row := detection.FeatureRow{Announcements: 3, WithdrawalRatio: math.NaN()}
	x := featureVector(&row)
	if len(x) != len(FeatureColumns) {
		t.Fatalf("vector length = %d, want %d", len(x), len(FeatureColumns))
	}
	if x[5] != 0 {
		t.Error("nil path_length should map to 0")
	}
	if x[3] != 0 {
		t.Error("NaN should map to 0")
	}
}
