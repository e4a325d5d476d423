package models

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/onset/nn"
)

// MLPModel flattens the window and applies (NumLayers-1) Linear-ReLU-Dropout
// blocks followed by a linear classifier.
type MLPModel struct {
	spec    Spec
	hidden  []*nn.Linear
	dropout *nn.Dropout
	out     *nn.Linear
}

func NewMLP(spec Spec) (*MLPModel, error) {
	rng := newRand(spec, 4)
	m := &MLPModel{spec: spec}
	in := spec.WindowSize * spec.EmbedDim
	for l := 0; l < spec.NumLayers-1; l++ {
		m.hidden = append(m.hidden, nn.NewLinear(fmt.Sprintf("net.l%d", l), in, spec.HiddenDim, rng))
		in = spec.HiddenDim
	}
	m.dropout = nn.NewDropout(spec.Dropout, rand.New(rand.NewSource(spec.Seed+17)))
	m.out = nn.NewLinear("net.out", in, NumClasses, rng)
	return m, nil
}

func (m *MLPModel) Name() string { return MLP }

func (m *MLPModel) Params() []*nn.Param {
	var params []*nn.Param
	for _, l := range m.hidden {
		params = append(params, l.Params()...)
	}
	return append(params, m.out.Params()...)
}

func (m *MLPModel) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	checkInput(MLP, x, batch, m.spec)

	// [batch, window, dim] is already row-major flattened per sample
	var backs []nn.Backward
	h := x
	for _, l := range m.hidden {
		var back nn.Backward
		h, back = l.Forward(h, batch)
		backs = append(backs, back)
		h, back = nn.ReLU(h)
		backs = append(backs, back)
		h, back = m.dropout.Forward(h, training)
		backs = append(backs, back)
	}
	logits, backOut := m.out.Forward(h, batch)

	back := func(grad []float32) []float32 {
		g := backOut(grad)
		for i := len(backs) - 1; i >= 0; i-- {
			g = backs[i](g)
		}
		return g
	}
	return logits, back
}
