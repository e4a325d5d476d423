package models

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/onset/nn"
)

// RecurrentModel stacks recurrent layers and classifies the final hidden state
// of the top layer. ImprovedRNN uses GRU (or Elman) cells, ImprovedLSTM uses LSTM cells.
type RecurrentModel struct {
	name       string
	spec       Spec
	layers     []nn.Recurrent
	dropout    *nn.Dropout
	classifier *nn.Linear
}

// NewRecurrentModel builds ImprovedRNN or ImprovedLSTM from spec
func NewRecurrentModel(name string, spec Spec) (*RecurrentModel, error) {
	rng := newRand(spec, 1)

	var cell func(prefix string, in int) nn.Recurrent
	switch {
	case name == ImprovedLSTM:
		cell = func(prefix string, in int) nn.Recurrent { return nn.NewLSTM(prefix, in, spec.HiddenDim, rng) }
	case name == ImprovedRNN && (spec.RNNCell == "" || spec.RNNCell == "gru"):
		cell = func(prefix string, in int) nn.Recurrent { return nn.NewGRU(prefix, in, spec.HiddenDim, rng) }
	case name == ImprovedRNN && spec.RNNCell == "elman":
		cell = func(prefix string, in int) nn.Recurrent { return nn.NewRNN(prefix, in, spec.HiddenDim, rng) }
	default:
		return nil, fmt.Errorf("%s: unsupported recurrent cell %q", name, spec.RNNCell)
	}

	m := &RecurrentModel{name: name, spec: spec}
	in := spec.EmbedDim
	for l := 0; l < spec.NumLayers; l++ {
		prefix := fmt.Sprintf("rnn.l%d", l)
		var layer nn.Recurrent = cell(prefix, in)
		if spec.Bidirectional {
			layer = &nn.Bidirectional{Fwd: layer, Bwd: cell(prefix+"_reverse", in)}
		}
		m.layers = append(m.layers, layer)
		in = layer.HiddenSize()
	}
	// Dropout sits between stacked layers only
	if spec.NumLayers > 1 {
		m.dropout = nn.NewDropout(spec.Dropout, rand.New(rand.NewSource(spec.Seed+11)))
	}
	m.classifier = nn.NewLinear("classifier", in, NumClasses, rng)
	return m, nil
}

func (m *RecurrentModel) Name() string { return m.name }

func (m *RecurrentModel) Params() []*nn.Param {
	var params []*nn.Param
	for _, l := range m.layers {
		params = append(params, l.Params()...)
	}
	return append(params, m.classifier.Params()...)
}

func (m *RecurrentModel) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	checkInput(m.name, x, batch, m.spec)
	steps := m.spec.WindowSize

	var backs []nn.Backward
	h := x
	for i, layer := range m.layers {
		out, back := layer.Forward(h, batch, steps)
		backs = append(backs, back)
		h = out
		if m.dropout != nil && i < len(m.layers)-1 {
			out, back = m.dropout.Forward(h, training)
			backs = append(backs, back)
			h = out
		}
	}

	top := m.layers[len(m.layers)-1]
	final, backFinal := m.finalState(top, h, batch, steps)
	logits, backCls := m.classifier.Forward(final, batch)

	back := func(grad []float32) []float32 {
		g := backFinal(backCls(grad))
		for i := len(backs) - 1; i >= 0; i-- {
			g = backs[i](g)
		}
		return g
	}
	return logits, back
}

// finalState returns the hidden state each direction ends on: the last step of
// the forward pass and, when bidirectional, the first step of the reverse pass.
func (m *RecurrentModel) finalState(top nn.Recurrent, h []float32, batch, steps int) ([]float32, nn.Backward) {
	width := top.HiddenSize()
	if !m.spec.Bidirectional {
		return selectStep(h, batch, steps, width, steps-1)
	}

	half := width / 2
	out := make([]float32, batch*width)
	for b := 0; b < batch; b++ {
		last := (b*steps + steps - 1) * width
		first := (b * steps) * width
		copy(out[b*width:b*width+half], h[last:last+half])
		copy(out[b*width+half:(b+1)*width], h[first+half:first+width])
	}
	back := func(grad []float32) []float32 {
		gh := make([]float32, len(h))
		for b := 0; b < batch; b++ {
			last := (b*steps + steps - 1) * width
			first := (b * steps) * width
			copy(gh[last:last+half], grad[b*width:b*width+half])
			copy(gh[first+half:first+width], grad[b*width+half:(b+1)*width])
		}
		return gh
	}
	return out, back
}
