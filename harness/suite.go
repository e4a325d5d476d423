package harness

import (
	"github.com/sirupsen/logrus"

	"github.com/openfluke/onset/models"
	"github.com/openfluke/onset/sequence"
)

// Windows groups the three window sets shared by every model of a run
type Windows struct {
	Train []sequence.Window
	Val   []sequence.Window
	Test  []sequence.Window
}

// SuiteResult collects the outcome of training several models in sequence
type SuiteResult struct {
	Outcomes map[string]*Outcome
	Order    []string          // models that finished, in training order
	Skipped  map[string]string // model -> reason it was not attempted
	Failed   map[string]error
}

// RunSuite trains the named models one after another on the same windows.
// Models whose capabilities are missing are skipped and a failing model is
// excluded; neither stops the remaining models.
func RunSuite(names []string, spec models.Spec, caps models.Capabilities, w Windows, cfg Config, log logrus.FieldLogger) *SuiteResult {
	res := &SuiteResult{
		Outcomes: make(map[string]*Outcome),
		Skipped:  make(map[string]string),
		Failed:   make(map[string]error),
	}

	for _, name := range names {
		if !models.Available(name, caps) {
			res.Skipped[name] = "no differential-equation solver available"
			log.WithField("model", name).Warn("Skipping model: required capability unavailable")
			continue
		}

		model, err := models.Build(name, spec, caps)
		if err != nil {
			res.Failed[name] = err
			log.WithField("model", name).WithError(err).Error("Could not build model")
			continue
		}

		out, err := Run(model, w.Train, w.Val, w.Test, cfg, log)
		if err != nil {
			res.Failed[name] = err
			log.WithField("model", name).WithError(err).Error("Training failed, model excluded from summary")
			continue
		}
		res.Outcomes[name] = out
		res.Order = append(res.Order, name)
	}
	return res
}

// Results returns the model results in training order
func (s *SuiteResult) Results() []ModelResult {
	out := make([]ModelResult, 0, len(s.Order))
	for _, name := range s.Order {
		out = append(out, s.Outcomes[name].Result)
	}
	return out
}
