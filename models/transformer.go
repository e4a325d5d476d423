package models

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/onset/nn"
)

// encoderLayer is a post-norm transformer encoder block:
// x = LN1(x + Drop(MHA(x))); x = LN2(x + Drop(FF2(Drop(ReLU(FF1(x))))))
type encoderLayer struct {
	attn *nn.MultiHeadAttention
	ln1  *nn.LayerNorm
	ff1  *nn.Linear
	ff2  *nn.Linear
	ln2  *nn.LayerNorm
}

func (e *encoderLayer) params() []*nn.Param {
	params := e.attn.Params()
	params = append(params, e.ln1.Params()...)
	params = append(params, e.ff1.Params()...)
	params = append(params, e.ff2.Params()...)
	return append(params, e.ln2.Params()...)
}

// Transformer encodes the window with self-attention and classifies the last token
type Transformer struct {
	spec       Spec
	layers     []*encoderLayer
	dropout    *nn.Dropout
	classifier *nn.Linear
}

// NewTransformer builds ImprovedTransformer. The model width is the embedding dimension.
func NewTransformer(spec Spec) (*Transformer, error) {
	rng := newRand(spec, 3)
	d := spec.EmbedDim
	if spec.Heads <= 0 || d%spec.Heads != 0 {
		return nil, fmt.Errorf("%s: embedding dim %d is not divisible by %d heads", ImprovedTransformer, d, spec.Heads)
	}
	if spec.FFDim <= 0 {
		return nil, fmt.Errorf("%s: feed-forward width must be positive", ImprovedTransformer)
	}

	t := &Transformer{spec: spec}
	for l := 0; l < spec.NumLayers; l++ {
		prefix := fmt.Sprintf("encoder.l%d", l)
		attn, err := nn.NewMultiHeadAttention(prefix+".self_attn", d, spec.Heads, rng)
		if err != nil {
			return nil, err
		}
		t.layers = append(t.layers, &encoderLayer{
			attn: attn,
			ln1:  nn.NewLayerNorm(prefix+".norm1", d),
			ff1:  nn.NewLinear(prefix+".linear1", d, spec.FFDim, rng),
			ff2:  nn.NewLinear(prefix+".linear2", spec.FFDim, d, rng),
			ln2:  nn.NewLayerNorm(prefix+".norm2", d),
		})
	}
	t.dropout = nn.NewDropout(spec.TransformerDropout, rand.New(rand.NewSource(spec.Seed+13)))
	t.classifier = nn.NewLinear("classifier", d, NumClasses, rng)
	return t, nil
}

func (t *Transformer) Name() string { return ImprovedTransformer }

func (t *Transformer) Params() []*nn.Param {
	var params []*nn.Param
	for _, l := range t.layers {
		params = append(params, l.params()...)
	}
	return append(params, t.classifier.Params()...)
}

func (t *Transformer) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	checkInput(ImprovedTransformer, x, batch, t.spec)
	steps, d := t.spec.WindowSize, t.spec.EmbedDim
	rows := batch * steps

	// Positional encoding is additive, so its gradient is the identity
	h := nn.PositionalEncoding(x, batch, steps, d)

	var backs []nn.Backward
	for _, l := range t.layers {
		out, back := t.encode(l, h, batch, steps, rows, training)
		backs = append(backs, back)
		h = out
	}

	last, backLast := selectStep(h, batch, steps, d, steps-1)
	logits, backCls := t.classifier.Forward(last, batch)

	back := func(grad []float32) []float32 {
		g := backLast(backCls(grad))
		for i := len(backs) - 1; i >= 0; i-- {
			g = backs[i](g)
		}
		return g
	}
	return logits, back
}

func (t *Transformer) encode(l *encoderLayer, x []float32, batch, steps, rows int, training bool) ([]float32, nn.Backward) {
	a, backAttn := l.attn.Forward(x, batch, steps)
	a, backDrop1 := t.dropout.Forward(a, training)
	h1, backLN1 := l.ln1.Forward(nn.Add(x, a), rows)

	f, backFF1 := l.ff1.Forward(h1, rows)
	f, backReLU := nn.ReLU(f)
	f, backDrop2 := t.dropout.Forward(f, training)
	f, backFF2 := l.ff2.Forward(f, rows)
	f, backDrop3 := t.dropout.Forward(f, training)
	h2, backLN2 := l.ln2.Forward(nn.Add(h1, f), rows)

	back := func(grad []float32) []float32 {
		gSum2 := backLN2(grad)
		gF := backFF1(backDrop2(backReLU(backFF2(backDrop3(gSum2)))))
		gH1 := nn.Add(gSum2, gF)

		gSum1 := backLN1(gH1)
		gA := backAttn(backDrop1(gSum1))
		return nn.Add(gSum1, gA)
	}
	return h2, back
}
