package harness

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ModelResult holds the test metrics of one trained model
type ModelResult struct {
	Model     string  `json:"model" yaml:"model"`
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	F1        float64 `json:"f1" yaml:"f1"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	AUROC     float64 `json:"auroc" yaml:"auroc"` // NaN when undefined
	AUPRC     float64 `json:"auprc" yaml:"auprc"` // NaN when undefined
	Support   int     `json:"support" yaml:"support"`
	Positives int     `json:"positives" yaml:"positives"`

	// RankingErr is set when AUROC/AUPRC could not be computed
	RankingErr error `json:"-" yaml:"-"`
}

// ConfusionMatrix counts binary outcomes with class 1 as positive
type ConfusionMatrix struct {
	TP, FP, TN, FN int
}

// NewConfusionMatrix tallies predictions against labels
func NewConfusionMatrix(labels, preds []int) ConfusionMatrix {
	var cm ConfusionMatrix
	for i, y := range labels {
		switch {
		case y == 1 && preds[i] == 1:
			cm.TP++
		case y == 0 && preds[i] == 1:
			cm.FP++
		case y == 1:
			cm.FN++
		default:
			cm.TN++
		}
	}
	return cm
}

func (cm ConfusionMatrix) Total() int { return cm.TP + cm.FP + cm.TN + cm.FN }

func (cm ConfusionMatrix) Accuracy() float64 {
	return safeDiv(float64(cm.TP+cm.TN), float64(cm.Total()))
}

// Precision is 0 when nothing was predicted positive
func (cm ConfusionMatrix) Precision() float64 {
	return safeDiv(float64(cm.TP), float64(cm.TP+cm.FP))
}

// Recall is 0 when there are no positive labels
func (cm ConfusionMatrix) Recall() float64 {
	return safeDiv(float64(cm.TP), float64(cm.TP+cm.FN))
}

func (cm ConfusionMatrix) F1() float64 {
	return safeDiv(float64(2*cm.TP), float64(2*cm.TP+cm.FP+cm.FN))
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// AUROC is the area under the ROC curve of scores ranked against labels
func AUROC(labels []int, scores []float64) (float64, error) {
	if !bothClasses(labels) {
		return math.NaN(), ErrSingleClass
	}
	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	for i, l := range labels {
		classes[i] = l == 1
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}

// AUPRC is the average precision: the sum over score thresholds of precision
// weighted by the recall gained at that threshold. Tied scores form one threshold.
func AUPRC(labels []int, scores []float64) (float64, error) {
	if !bothClasses(labels) {
		return math.NaN(), ErrSingleClass
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	positives := 0
	for _, l := range labels {
		positives += l
	}

	var ap, prevRecall float64
	tp, seen := 0, 0
	for i := 0; i < len(order); {
		j := i
		for j < len(order) && scores[order[j]] == scores[order[i]] {
			tp += labels[order[j]]
			seen++
			j++
		}
		recall := float64(tp) / float64(positives)
		precision := float64(tp) / float64(seen)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap, nil
}

func bothClasses(labels []int) bool {
	var pos, neg bool
	for _, l := range labels {
		if l == 1 {
			pos = true
		} else {
			neg = true
		}
	}
	return pos && neg
}

// Score computes every metric for one model
func Score(model string, labels, preds []int, scores []float64) ModelResult {
	cm := NewConfusionMatrix(labels, preds)
	r := ModelResult{
		Model:     model,
		Accuracy:  cm.Accuracy(),
		Precision: cm.Precision(),
		Recall:    cm.Recall(),
		F1:        cm.F1(),
		Support:   cm.Total(),
		Positives: cm.TP + cm.FN,
	}
	var err error
	if r.AUROC, err = AUROC(labels, scores); err != nil {
		r.RankingErr = err
	}
	if r.AUPRC, err = AUPRC(labels, scores); err != nil {
		r.RankingErr = err
	}
	return r
}
