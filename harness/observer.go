package harness

import (
	"github.com/sirupsen/logrus"

	"github.com/openfluke/onset/nn"
)

// EpochEvent is delivered to an Observer after every finished epoch
type EpochEvent struct {
	Model   string
	Stats   EpochStats
	Weights []nn.TensorStats
	Grads   []nn.TensorStats // gradients of the last batch
}

// Observer receives training progress without influencing it
type Observer interface {
	OnEpoch(event EpochEvent)
}

// LogObserver writes per-parameter summaries at debug level
type LogObserver struct {
	Log logrus.FieldLogger
}

func (o *LogObserver) OnEpoch(event EpochEvent) {
	for i, w := range event.Weights {
		fields := logrus.Fields{
			"model": event.Model,
			"epoch": event.Stats.Epoch,
			"param": w.Name,
			"mean":  w.Mean,
			"max":   w.Max,
			"min":   w.Min,
		}
		if i < len(event.Grads) {
			fields["grad_mean"] = event.Grads[i].Mean
			fields["grad_max"] = event.Grads[i].Max
		}
		o.Log.WithFields(fields).Debug("Parameter stats")
	}
}
