package models

import (
	"github.com/openfluke/onset/nn"
	"github.com/openfluke/onset/ode"
)

// ODEModel encodes the most recent visit, evolves the encoding along
// dz/dt = f(z) for t in [0, 1] and classifies the end state.
// f is Linear-ReLU-Linear.
type ODEModel struct {
	spec       Spec
	solver     ode.Solver
	encoder    *nn.Linear
	f1         *nn.Linear
	f2         *nn.Linear
	classifier *nn.Linear
}

// NewODEModel builds NeuralODE. A nil solver yields ErrUnavailable.
func NewODEModel(spec Spec, solver ode.Solver) (*ODEModel, error) {
	if solver == nil {
		return nil, ErrUnavailable
	}
	rng := newRand(spec, 6)
	h := spec.HiddenDim
	return &ODEModel{
		spec:       spec,
		solver:     solver,
		encoder:    nn.NewLinear("encoder", spec.EmbedDim, h, rng),
		f1:         nn.NewLinear("odefunc.net.0", h, h, rng),
		f2:         nn.NewLinear("odefunc.net.2", h, h, rng),
		classifier: nn.NewLinear("classifier", h, NumClasses, rng),
	}, nil
}

func (m *ODEModel) Name() string { return NeuralODE }

func (m *ODEModel) Params() []*nn.Param {
	params := m.encoder.Params()
	params = append(params, m.f1.Params()...)
	params = append(params, m.f2.Params()...)
	return append(params, m.classifier.Params()...)
}

// Solver returns the integrator the model was built with
func (m *ODEModel) Solver() ode.Solver { return m.solver }

func (m *ODEModel) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	checkInput(NeuralODE, x, batch, m.spec)

	last, backLast := selectStep(x, batch, m.spec.WindowSize, m.spec.EmbedDim, m.spec.WindowSize-1)
	z0, backEnc := m.encoder.Forward(last, batch)

	field := func(z []float32) ([]float32, func([]float32) []float32) {
		a, back1 := m.f1.Forward(z, batch)
		a, backReLU := nn.ReLU(a)
		dz, back2 := m.f2.Forward(a, batch)
		return dz, func(g []float32) []float32 {
			return back1(backReLU(back2(g)))
		}
	}
	z1, backODE := m.solver.Integrate(field, z0, 0, 1)
	logits, backCls := m.classifier.Forward(z1, batch)

	back := func(grad []float32) []float32 {
		return backLast(backEnc(backODE(backCls(grad))))
	}
	return logits, back
}
