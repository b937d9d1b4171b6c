package predict

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/bdougie/visionbatch/internal/channel"
)

// TopK is how many classes are kept per output.
const TopK = 5

// Prediction is one ranked class.
type Prediction struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// Statistics describe a raw score vector and its probabilities.
type Statistics struct {
	MinScore     float64 `json:"min_score"`
	MaxScore     float64 `json:"max_score"`
	MeanScore    float64 `json:"mean_score"`
	UniqueValues int     `json:"unique_values"`
	MinProb      float64 `json:"min_prob"`
	MaxProb      float64 `json:"max_prob"`
	MeanProb     float64 `json:"mean_prob"`
}

// OutputResult is the post-processed form of one output tensor.
type OutputResult struct {
	Top           []Prediction `json:"top_predictions"`
	Statistics    Statistics   `json:"statistics"`
	Probabilities []float64    `json:"-"`
}

// Top1 returns the highest-ranked class.
func (r OutputResult) Top1() (Prediction, bool) {
	if len(r.Top) == 0 {
		return Prediction{}, false
	}
	return r.Top[0], true
}

// Predictions maps model name to output name to result.
type Predictions map[string]map[string]OutputResult

// Lookup finds one output's result.
func (p Predictions) Lookup(model, output string) (OutputResult, bool) {
	outputs, ok := p[model]
	if !ok {
		return OutputResult{}, false
	}
	r, ok := outputs[output]
	return r, ok
}

// Softmax returns exp(v_k - max v) normalized to sum to one.
func Softmax(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	p := make([]float64, len(v))
	copy(p, v)
	floats.AddConst(-floats.Max(p), p)
	for i := range p {
		p[i] = math.Exp(p[i])
	}
	floats.Scale(1/floats.Sum(p), p)
	return p
}

// Rank orders classes by descending probability, lowest index first on ties,
// and keeps at most k of them.
func Rank(scores, probs []float64, k int) []Prediction {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		default:
			return 0
		}
	})
	if k < len(idx) {
		idx = idx[:k]
	}
	top := make([]Prediction, len(idx))
	for i, c := range idx {
		top[i] = Prediction{ClassID: c, Confidence: probs[c], Score: scores[c]}
	}
	return top
}

// Summarize computes statistics over scores and their probabilities.
func Summarize(scores, probs []float64) Statistics {
	if len(scores) == 0 {
		return Statistics{}
	}
	unique := make(map[float64]struct{}, len(scores))
	for _, s := range scores {
		unique[s] = struct{}{}
	}
	return Statistics{
		MinScore:     floats.Min(scores),
		MaxScore:     floats.Max(scores),
		MeanScore:    stat.Mean(scores, nil),
		UniqueValues: len(unique),
		MinProb:      floats.Min(probs),
		MaxProb:      floats.Max(probs),
		MeanProb:     stat.Mean(probs, nil),
	}
}

// Analyze runs softmax, ranking and statistics over one score vector.
func Analyze(scores []float64) OutputResult {
	probs := Softmax(scores)
	return OutputResult{
		Top:           Rank(scores, probs, TopK),
		Statistics:    Summarize(scores, probs),
		Probabilities: probs,
	}
}

// ScoreVector extracts the first row of t. Tensors of rank above two are
// viewed as (shape[0], -1); a rank-one tensor is a single row. Empty tensors
// have no row.
func ScoreVector(t channel.Tensor) ([]float64, bool) {
	if t.Size() == 0 {
		return nil, false
	}
	if t.Rank() <= 1 {
		return t.Data, true
	}
	rows := t.Shape[0]
	if rows == 0 {
		return nil, false
	}
	return t.Data[:t.Size()/rows], true
}

// FromOutputs post-processes every output tensor of every model.
func FromOutputs(outputs channel.Outputs) Predictions {
	preds := make(Predictions, len(outputs))
	for model, tensors := range outputs {
		results := make(map[string]OutputResult, len(tensors))
		for name, t := range tensors {
			scores, ok := ScoreVector(t)
			if !ok {
				continue
			}
			results[name] = Analyze(scores)
		}
		preds[model] = results
	}
	return preds
}
