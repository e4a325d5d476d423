package harness

import (
	"context"
	"errors"

	"github.com/openfluke/onset/models"
	"github.com/openfluke/onset/nn"
	"github.com/openfluke/onset/sequence"
)

// SwitchPrediction is the prediction made for one test window
type SwitchPrediction struct {
	PatientID  string  `json:"patient_id" yaml:"patient_id"`
	LocalIndex int     `json:"local_index" yaml:"local_index"`
	TrueLabel  int     `json:"true_label" yaml:"true_label"`
	PredLabel  int     `json:"pred_label" yaml:"pred_label"`
	Score      float64 `json:"score" yaml:"score"` // probability of class 1
}

// Evaluate scores windows in their given order without touching gradients.
// The predicted class is the argmax of the softmax, ties going to class 0.
func Evaluate(model models.ScoringModel, windows []sequence.Window, cfg Config) (ModelResult, []SwitchPrediction, error) {
	if len(windows) == 0 {
		return ModelResult{}, nil, errors.New("no windows to evaluate")
	}
	loader, err := sequence.NewLoader(windows, sequence.LoaderConfig{
		BatchSize: cfg.BatchSize, Size: cfg.WindowSize, Dim: cfg.EmbedDim, Prefetch: cfg.Prefetch,
	})
	if err != nil {
		return ModelResult{}, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	preds := make([]SwitchPrediction, 0, len(windows))
	labels := make([]int, 0, len(windows))
	classes := make([]int, 0, len(windows))
	scores := make([]float64, 0, len(windows))

	for batch := range loader.Epoch(ctx) {
		logits, _ := model.Forward(batch.X, batch.Len(), false)
		probs := nn.Softmax(logits, models.NumClasses)
		for i, w := range batch.Windows {
			p0, p1 := probs[i*models.NumClasses], probs[i*models.NumClasses+1]
			pred := 0
			if p1 > p0 {
				pred = 1
			}
			preds = append(preds, SwitchPrediction{
				PatientID:  w.PatientID,
				LocalIndex: w.LocalIndex,
				TrueLabel:  w.Target,
				PredLabel:  pred,
				Score:      float64(p1),
			})
			labels = append(labels, w.Target)
			classes = append(classes, pred)
			scores = append(scores, float64(p1))
		}
	}

	return Score(model.Name(), labels, classes, scores), preds, nil
}
