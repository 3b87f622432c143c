// Package ml scores feature windows with an Isolation Forest and an LSTM
// reconstruction model, combined through z-score normalization. Models are
// exported from training as JSON artifacts and evaluated natively; only a
// forward pass is needed at inference time.
package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const (
	scalerFile     = "feature_scaler.json"
	forestFile     = "isolation_forest.json"
	lstmFile       = "lstm_model.json"
	lstmScalerFile = "lstm_scaler.json"
)

// Baseline score distributions used for z-score normalization, computed
// from historical detector output.
const (
	isoBaselineMean  = -0.14
	isoBaselineStd   = 0.012
	lstmBaselineMean = 13.99
	lstmBaselineStd  = 2.68
)

// eulerGamma for the expected isolation path length.
const eulerGamma = 0.5772156649015329

// Artifacts bundles everything the scorer needs. LSTMScaler may alias
// FeatureScaler when the sequence model was trained on the same scaling.
type Artifacts struct {
	FeatureScaler *Scaler
	LSTMScaler    *Scaler
	Forest        *IsolationForest
	LSTM          *LSTMModel
}

// LoadArtifacts reads the model files from dir. lstm_scaler.json is
// optional and falls back to the feature scaler.
func LoadArtifacts(dir string) (*Artifacts, error) {
	var a Artifacts
	if err := loadJSON(filepath.Join(dir, scalerFile), &a.FeatureScaler); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, forestFile), &a.Forest); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, lstmFile), &a.LSTM); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, lstmScalerFile), &a.LSTMScaler); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		a.LSTMScaler = a.FeatureScaler
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading model artifact: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (a *Artifacts) validate() error {
	n := len(a.FeatureScaler.Mean)
	if n == 0 || len(a.FeatureScaler.Scale) != n {
		return fmt.Errorf("feature scaler: mean/scale length mismatch (%d vs %d)",
			len(a.FeatureScaler.Mean), len(a.FeatureScaler.Scale))
	}
	if len(a.Forest.Trees) == 0 {
		return fmt.Errorf("isolation forest has no trees")
	}
	if a.LSTM.Units <= 0 || len(a.LSTM.Kernel) == 0 {
		return fmt.Errorf("lstm model is empty")
	}
	return nil
}

// Scaler is a fitted standard scaler: z = (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out
}

// IsolationForest holds the exported tree ensemble. Node arrays follow the
// training export: Feature < 0 marks a leaf, Size is the sample count that
// reached the node during fitting.
type IsolationForest struct {
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	Trees      []Tree  `json:"trees"`
}

type Tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Size      []int     `json:"size"`
}

// DecisionFunction returns the anomaly score: the more negative, the more
// isolated the point.
func (f *IsolationForest) DecisionFunction(x []float64) float64 {
	total := 0.0
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	avgPath := total / float64(len(f.Trees))

	score := math.Pow(2, -avgPath/expectedPathLength(f.MaxSamples))
	return -score - f.Offset
}

func (t *Tree) pathLength(x []float64) float64 {
	node := 0
	depth := 0.0
	for t.Feature[node] >= 0 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
		depth++
	}
	return depth + expectedPathLength(t.Size[node])
}

// expectedPathLength is the average depth of an unsuccessful BST search
// over n points, the normalizer from the Isolation Forest paper.
func expectedPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// LSTMModel is a single LSTM layer followed by a dense head that predicts
// the feature vector of the final timestep. Gate weights are concatenated
// in input/forget/cell/output order.
type LSTMModel struct {
	Units       int         `json:"units"`
	Kernel      [][]float64 `json:"kernel"`       // [features][4*units]
	Recurrent   [][]float64 `json:"recurrent"`    // [units][4*units]
	Bias        []float64   `json:"bias"`         // [4*units]
	DenseKernel [][]float64 `json:"dense_kernel"` // [units][features]
	DenseBias   []float64   `json:"dense_bias"`   // [features]
}

// Predict runs the forward pass over one sequence and returns the
// predicted feature vector.
func (m *LSTMModel) Predict(seq [][]float64) []float64 {
	u := m.Units
	h := make([]float64, u)
	c := make([]float64, u)
	gates := make([]float64, 4*u)

	for _, x := range seq {
		for j := range gates {
			gates[j] = m.Bias[j]
		}
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			row := m.Kernel[i]
			for j := range gates {
				gates[j] += xi * row[j]
			}
		}
		for i, hi := range h {
			if hi == 0 {
				continue
			}
			row := m.Recurrent[i]
			for j := range gates {
				gates[j] += hi * row[j]
			}
		}

		for j := 0; j < u; j++ {
			in := sigmoid(gates[j])
			forget := sigmoid(gates[u+j])
			cell := math.Tanh(gates[2*u+j])
			out := sigmoid(gates[3*u+j])

			c[j] = forget*c[j] + in*cell
			h[j] = out * math.Tanh(c[j])
		}
	}

	pred := make([]float64, len(m.DenseBias))
	copy(pred, m.DenseBias)
	for i, hi := range h {
		row := m.DenseKernel[i]
		for j := range pred {
			pred[j] += hi * row[j]
		}
	}
	return pred
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
