// Package models implements the sequence scoring functions trained by the
// harness. Every model maps a batch of padded windows [batch, window, dim] to
// two-class logits [batch, 2].
package models

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/openfluke/onset/nn"
	"github.com/openfluke/onset/ode"
)

// Model names, also used as checkpoint suffixes and report keys
const (
	ImprovedRNN         = "ImprovedRNN"
	ImprovedLSTM        = "ImprovedLSTM"
	ImprovedTransformer = "ImprovedTransformer"
	MLP                 = "MLP"
	TCN                 = "TCN"
	NeuralODE           = "NeuralODE"
)

// NumClasses is the width of every model's logit row
const NumClasses = 2

// ErrUnavailable is returned when a model needs a capability the run does not have
var ErrUnavailable = errors.New("model unavailable")

// ScoringModel is a trainable window classifier
type ScoringModel interface {
	Name() string
	// Forward scores a [batch, window, dim] input. The returned Backward maps
	// dL/dlogits to dL/dinput and accumulates parameter gradients.
	Forward(x []float32, batch int, training bool) ([]float32, nn.Backward)
	Params() []*nn.Param
}

// Stateful is implemented by models that carry untrained state, such as batch
// norm running statistics, which must travel with their checkpoints
type Stateful interface {
	Buffers() []*nn.Param
}

// State returns the tensors a checkpoint holds: parameters followed by buffers
func State(m ScoringModel) []*nn.Param {
	state := m.Params()
	if s, ok := m.(Stateful); ok {
		state = append(state, s.Buffers()...)
	}
	return state
}

// Capabilities is negotiated once at startup and consulted before building models
type Capabilities struct {
	Solver      ode.Solver // nil when no integrator is available
	Accelerator string
}

// Spec holds the architecture hyperparameters shared by all models
type Spec struct {
	WindowSize         int
	EmbedDim           int
	HiddenDim          int
	NumLayers          int
	Dropout            float64 // recurrent, MLP and TCN dropout
	Bidirectional      bool
	RNNCell            string // "gru" or "elman"
	Heads              int
	FFDim              int
	TransformerDropout float64
	TCNKernel          int
	Seed               int64
}

type entry struct {
	build       func(Spec, Capabilities) (ScoringModel, error)
	needsSolver bool
}

var registry = map[string]entry{
	ImprovedRNN:         {build: func(s Spec, _ Capabilities) (ScoringModel, error) { return NewRecurrentModel(ImprovedRNN, s) }},
	ImprovedLSTM:        {build: func(s Spec, _ Capabilities) (ScoringModel, error) { return NewRecurrentModel(ImprovedLSTM, s) }},
	ImprovedTransformer: {build: func(s Spec, _ Capabilities) (ScoringModel, error) { return NewTransformer(s) }},
	MLP:                 {build: func(s Spec, _ Capabilities) (ScoringModel, error) { return NewMLP(s) }},
	TCN:                 {build: func(s Spec, _ Capabilities) (ScoringModel, error) { return NewTCN(s) }},
	NeuralODE: {
		build:       func(s Spec, c Capabilities) (ScoringModel, error) { return NewODEModel(s, c.Solver) },
		needsSolver: true,
	},
}

// Names returns every model name in training order
func Names() []string {
	return []string{ImprovedRNN, ImprovedLSTM, ImprovedTransformer, MLP, TCN, NeuralODE}
}

// Known reports whether name is a registered model
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Available reports whether the capabilities allow building name
func Available(name string, caps Capabilities) bool {
	e, ok := registry[name]
	if !ok {
		return false
	}
	return !e.needsSolver || caps.Solver != nil
}

// Build constructs the named model
func Build(name string, spec Spec, caps Capabilities) (ScoringModel, error) {
	e, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	if !Available(name, caps) {
		return nil, fmt.Errorf("%s: no differential-equation solver: %w", name, ErrUnavailable)
	}
	if spec.WindowSize <= 0 || spec.EmbedDim <= 0 || spec.HiddenDim <= 0 || spec.NumLayers <= 0 {
		return nil, fmt.Errorf("%s: window, embedding, hidden and layer sizes must be positive", name)
	}
	m, err := e.build(spec, caps)
	if err != nil {
		return nil, err
	}
	if err := nn.CheckUniqueNames(State(m)); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

func newRand(spec Spec, salt int64) *rand.Rand {
	return rand.New(rand.NewSource(spec.Seed*7919 + salt))
}

// selectStep extracts timestep t of a [batch, steps, width] tensor as [batch, width]
func selectStep(x []float32, batch, steps, width, t int) ([]float32, nn.Backward) {
	out := make([]float32, batch*width)
	for b := 0; b < batch; b++ {
		copy(out[b*width:(b+1)*width], x[(b*steps+t)*width:(b*steps+t+1)*width])
	}
	back := func(grad []float32) []float32 {
		gx := make([]float32, len(x))
		for b := 0; b < batch; b++ {
			copy(gx[(b*steps+t)*width:(b*steps+t+1)*width], grad[b*width:(b+1)*width])
		}
		return gx
	}
	return out, back
}

// checkInput panics on a malformed batch; shapes are fixed by the loader
func checkInput(name string, x []float32, batch int, spec Spec) {
	if want := batch * spec.WindowSize * spec.EmbedDim; len(x) != want {
		panic(fmt.Sprintf("%s: input has %d values, want %d", name, len(x), want))
	}
}
