package ml

import (
	"math"
	"math/rand"
	"sort"

	"github.com/route-beacon/bgp-sentry/internal/detection"
)

// FeatureColumns is the model input order fixed at training time.
var FeatureColumns = []string{
	"announcements",
	"withdrawals",
	"total_updates",
	"withdrawal_ratio",
	"flap_count",
	"path_length",
	"unique_peers",
	"message_rate",
	"session_resets",
}

// maxLSTMGroups caps per-batch sequence work during backfills; groups over
// the cap receive the mean score of the sampled ones.
const maxLSTMGroups = 5000

// sampleSeed keeps backfill sampling reproducible across restarts.
const sampleSeed = 42

// WindowScore is the scored result for one feature window.
type WindowScore struct {
	ISOScore  float64
	LSTMScore float64
	ZISO      float64
	ZLSTM     float64
	Combined  float64
	Anomaly   bool
	Severity  detection.Severity
}

type Scorer struct {
	artifacts *Artifacts
	seqLen    int
	method    string // "avg" or "max"
	threshold float64
}

func NewScorer(artifacts *Artifacts, seqLen int, method string, threshold float64) *Scorer {
	return &Scorer{artifacts: artifacts, seqLen: seqLen, method: method, threshold: threshold}
}

// ScoreBatch scores every window: per-row Isolation Forest scores, per-group
// LSTM reconstruction errors, then the z-score ensemble. Results align with
// the input slice.
func (s *Scorer) ScoreBatch(rows []detection.FeatureRow) []WindowScore {
	if len(rows) == 0 {
		return nil
	}

	isoScores := make([]float64, len(rows))
	for i := range rows {
		x := s.artifacts.FeatureScaler.Transform(featureVector(&rows[i]))
		isoScores[i] = s.artifacts.Forest.DecisionFunction(x)
	}

	lstmScores := s.lstmScores(rows)

	out := make([]WindowScore, len(rows))
	for i := range rows {
		out[i] = s.ensemble(isoScores[i], lstmScores[i])
	}
	return out
}

// lstmScores groups windows by (prefix, origin AS) and scores each window
// with the sequence of up to seqLen windows ending at it, zero-padded on
// the left when history is short.
func (s *Scorer) lstmScores(rows []detection.FeatureRow) []float64 {
	type groupKey struct {
		prefix   string
		originAS int64
	}
	groups := make(map[groupKey][]int)
	var order []groupKey
	for i := range rows {
		k := groupKey{rows[i].Prefix, rows[i].OriginAS}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	selected := order
	if len(order) > maxLSTMGroups {
		rng := rand.New(rand.NewSource(sampleSeed))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		selected = order[:maxLSTMGroups]
	}

	scores := make([]float64, len(rows))
	scored := make([]bool, len(rows))
	sum := 0.0
	count := 0

	for _, k := range selected {
		indices := groups[k]
		sort.Slice(indices, func(a, b int) bool {
			return rows[indices[a]].WindowStart.Before(rows[indices[b]].WindowStart)
		})

		scaled := make([][]float64, len(indices))
		for pos, idx := range indices {
			scaled[pos] = s.artifacts.LSTMScaler.Transform(featureVector(&rows[idx]))
		}

		for pos, idx := range indices {
			seq := leftPadSequence(scaled, pos, s.seqLen)
			pred := s.artifacts.LSTM.Predict(seq)
			mse := meanSquaredError(seq[len(seq)-1], pred)

			scores[idx] = mse
			scored[idx] = true
			sum += mse
			count++
		}
	}

	// Unsampled groups inherit the batch mean.
	if count > 0 {
		mean := sum / float64(count)
		for i := range scores {
			if !scored[i] {
				scores[i] = mean
			}
		}
	}
	return scores
}

// leftPadSequence returns the seqLen-long sequence ending at position pos,
// zero-padded at the front when fewer windows exist.
func leftPadSequence(scaled [][]float64, pos, seqLen int) [][]float64 {
	start := pos - seqLen + 1
	if start < 0 {
		start = 0
	}
	window := scaled[start : pos+1]

	if len(window) == seqLen {
		return window
	}
	features := len(window[0])
	seq := make([][]float64, seqLen)
	pad := seqLen - len(window)
	for i := 0; i < pad; i++ {
		seq[i] = make([]float64, features)
	}
	copy(seq[pad:], window)
	return seq
}

func (s *Scorer) ensemble(isoRaw, lstmRaw float64) WindowScore {
	// Negative forest scores mean anomalous; flip so high z is bad.
	zISO := -(isoRaw - isoBaselineMean) / isoBaselineStd
	zLSTM := (lstmRaw - lstmBaselineMean) / lstmBaselineStd

	var combined float64
	if s.method == "max" {
		combined = math.Max(zISO, zLSTM)
	} else {
		combined = (zISO + zLSTM) / 2
	}

	return WindowScore{
		ISOScore:  isoRaw,
		LSTMScore: lstmRaw,
		ZISO:      zISO,
		ZLSTM:     zLSTM,
		Combined:  combined,
		Anomaly:   combined >= s.threshold,
		Severity:  scoreSeverity(combined),
	}
}

func scoreSeverity(combined float64) detection.Severity {
	switch {
	case combined < 3.0:
		return detection.SeverityLow
	case combined < 4.0:
		return detection.SeverityMedium
	case combined < 5.0:
		return detection.SeverityHigh
	default:
		return detection.SeverityCritical
	}
}

// featureVector renders the model input, mapping NULL path lengths and any
// non-finite values to zero.
func featureVector(row *detection.FeatureRow) []float64 {
	pl := 0.0
	if row.PathLength != nil {
		pl = *row.PathLength
	}
	x := []float64{
		float64(row.Announcements),
		float64(row.Withdrawals),
		float64(row.TotalUpdates),
		row.WithdrawalRatio,
		float64(row.FlapCount),
		pl,
		float64(row.UniquePeers),
		row.MessageRate,
		float64(row.SessionResets),
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x[i] = 0
		}
	}
	return x
}

func meanSquaredError(actual, predicted []float64) float64 {
	sum := 0.0
	for i := range actual {
		d := actual[i] - predicted[i]
		sum += d * d
	}
	return sum / float64(len(actual))
}

// ModelVersion tags every detection's metadata.
const ModelVersion = "v1.0"
