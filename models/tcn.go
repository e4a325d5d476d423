package models

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/onset/nn"
)

// temporalBlock is two dilated, batch-normalized convolutions with a residual
// connection. The second convolution's normalized output is cut back to the
// input length before the residual sum, keeping the leading steps.
type temporalBlock struct {
	conv1      *nn.Conv1D
	bn1        *nn.BatchNorm1D
	conv2      *nn.Conv1D
	bn2        *nn.BatchNorm1D
	downsample *nn.Conv1D // 1x1, only when channel counts differ
}

func (b *temporalBlock) params() []*nn.Param {
	params := append(b.conv1.Params(), b.bn1.Params()...)
	params = append(params, b.conv2.Params()...)
	params = append(params, b.bn2.Params()...)
	if b.downsample != nil {
		params = append(params, b.downsample.Params()...)
	}
	return params
}

// TCNModel is a temporal convolutional network classifying the last time step
type TCNModel struct {
	spec       Spec
	blocks     []*temporalBlock
	dropout    *nn.Dropout
	classifier *nn.Linear
}

func NewTCN(spec Spec) (*TCNModel, error) {
	k := spec.TCNKernel
	if k <= 0 {
		return nil, fmt.Errorf("%s: kernel size must be positive", TCN)
	}
	rng := newRand(spec, 5)
	m := &TCNModel{spec: spec}

	in := spec.EmbedDim
	for i := 0; i < spec.NumLayers; i++ {
		dilation := 1 << i
		padding := (k - 1) * dilation
		prefix := fmt.Sprintf("network.%d", i)
		block := &temporalBlock{
			conv1: nn.NewConv1D(prefix+".conv1", in, spec.HiddenDim, k, dilation, padding, rng),
			bn1:   nn.NewBatchNorm1D(prefix+".bn1", spec.HiddenDim),
			conv2: nn.NewConv1D(prefix+".conv2", spec.HiddenDim, spec.HiddenDim, k, dilation, padding, rng),
			bn2:   nn.NewBatchNorm1D(prefix+".bn2", spec.HiddenDim),
		}
		if in != spec.HiddenDim {
			block.downsample = nn.NewConv1D(prefix+".downsample", in, spec.HiddenDim, 1, 1, 0, rng)
		}
		m.blocks = append(m.blocks, block)
		in = spec.HiddenDim
	}
	m.dropout = nn.NewDropout(spec.Dropout, rand.New(rand.NewSource(spec.Seed+19)))
	m.classifier = nn.NewLinear("classifier", spec.HiddenDim, NumClasses, rng)
	return m, nil
}

func (m *TCNModel) Name() string { return TCN }

func (m *TCNModel) Params() []*nn.Param {
	var params []*nn.Param
	for _, b := range m.blocks {
		params = append(params, b.params()...)
	}
	return append(params, m.classifier.Params()...)
}

// Buffers returns the running batch norm statistics of every block
func (m *TCNModel) Buffers() []*nn.Param {
	var buffers []*nn.Param
	for _, b := range m.blocks {
		buffers = append(buffers, b.bn1.Buffers()...)
		buffers = append(buffers, b.bn2.Buffers()...)
	}
	return buffers
}

func (m *TCNModel) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	checkInput(TCN, x, batch, m.spec)
	steps := m.spec.WindowSize

	// [batch, steps, dim] -> [batch, dim, steps]
	h := transpose(x, batch, steps, m.spec.EmbedDim)

	var backs []nn.Backward
	for _, b := range m.blocks {
		out, back := m.block(b, h, batch, steps, training)
		backs = append(backs, back)
		h = out
	}

	// Last time step of every channel: [batch, hidden, steps] -> [batch, hidden]
	hidden := m.spec.HiddenDim
	last := make([]float32, batch*hidden)
	for bc := 0; bc < batch*hidden; bc++ {
		last[bc] = h[bc*steps+steps-1]
	}
	logits, backCls := m.classifier.Forward(last, batch)

	back := func(grad []float32) []float32 {
		gLast := backCls(grad)
		g := make([]float32, batch*hidden*steps)
		for bc := 0; bc < batch*hidden; bc++ {
			g[bc*steps+steps-1] = gLast[bc]
		}
		for i := len(backs) - 1; i >= 0; i-- {
			g = backs[i](g)
		}
		return transpose(g, batch, m.spec.EmbedDim, steps)
	}
	return logits, back
}

func (m *TCNModel) block(b *temporalBlock, x []float32, batch, steps int, training bool) ([]float32, nn.Backward) {
	hidden := m.spec.HiddenDim

	out, backConv1 := b.conv1.Forward(x, batch, steps)
	len1 := b.conv1.OutLen(steps)
	out, backBN1 := b.bn1.Forward(out, batch, len1, training)
	out, backReLU1 := nn.ReLU(out)
	out, backDrop1 := m.dropout.Forward(out, training)
	out, backConv2 := b.conv2.Forward(out, batch, len1)
	len2 := b.conv2.OutLen(len1)
	out, backBN2 := b.bn2.Forward(out, batch, len2, training)
	out, backTrunc := nn.TruncateSteps(out, batch, hidden, len2, steps)

	res := x
	var backRes nn.Backward = func(g []float32) []float32 { return g }
	if b.downsample != nil {
		res, backRes = b.downsample.Forward(x, batch, steps)
	}

	out, backReLU2 := nn.ReLU(nn.Add(out, res))
	out, backDrop2 := m.dropout.Forward(out, training)

	back := func(grad []float32) []float32 {
		gSum := backReLU2(backDrop2(grad))
		g := backConv2(backBN2(backTrunc(gSum)))
		gx := backConv1(backBN1(backReLU1(backDrop1(g))))
		return nn.Add(gx, backRes(gSum))
	}
	return out, back
}

// transpose swaps the last two axes of a [batch, rows, cols] tensor
func transpose(x []float32, batch, rows, cols int) []float32 {
	out := make([]float32, len(x))
	for b := 0; b < batch; b++ {
		base := b * rows * cols
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out[base+c*rows+r] = x[base+r*cols+c]
			}
		}
	}
	return out
}
