package nn

import (
	"math"
	"math/rand"
)

// Recurrent is a sequence layer mapping [batch, steps, in] to [batch, steps, hidden]
type Recurrent interface {
	Forward(input []float32, batch, steps int) ([]float32, Backward)
	InputSize() int
	HiddenSize() int
	Params() []*Param
}

// RNN is an Elman recurrent layer: h_t = tanh(W_ih @ x_t + W_hh @ h_{t-1} + b_h)
type RNN struct {
	inputSize  int
	hiddenSize int
	WeightIH   *Param // [hiddenSize x inputSize]
	WeightHH   *Param // [hiddenSize x hiddenSize]
	BiasH      *Param // [hiddenSize]
}

// NewRNN initializes a Recurrent Neural Network layer with Xavier/Glorot initialization
func NewRNN(name string, inputSize, hiddenSize int, rng *rand.Rand) *RNN {
	r := &RNN{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		WeightIH:   NewParam(name+".weight_ih", hiddenSize, inputSize),
		WeightHH:   NewParam(name+".weight_hh", hiddenSize, hiddenSize),
		BiasH:      NewParam(name+".bias_h", hiddenSize),
	}
	r.WeightIH.initNormal(rng, math.Sqrt(2.0/float64(inputSize+hiddenSize)))
	r.WeightHH.initNormal(rng, math.Sqrt(2.0/float64(hiddenSize+hiddenSize)))
	return r
}

func (r *RNN) InputSize() int  { return r.inputSize }
func (r *RNN) HiddenSize() int { return r.hiddenSize }

func (r *RNN) Params() []*Param {
	return []*Param{r.WeightIH, r.WeightHH, r.BiasH}
}

// Forward runs the layer over every timestep
func (r *RNN) Forward(input []float32, batch, steps int) ([]float32, Backward) {
	output, hiddenStates := rnnForwardCPU(r, input, batch, steps)
	back := func(gradOutput []float32) []float32 {
		return rnnBackwardCPU(r, gradOutput, input, hiddenStates, batch, steps)
	}
	return output, back
}

// rnnForwardCPU performs forward pass for RNN layer
// Input shape: [batchSize, seqLength, inputSize]
// Output shape: [batchSize, seqLength, hiddenSize]
// Returns: (output, hidden_states_all_timesteps) for backward pass
func rnnForwardCPU(r *RNN, input []float32, batchSize, seqLength int) ([]float32, []float32) {
	inputSize, hiddenSize := r.inputSize, r.hiddenSize
	wIH, wHH, bias := r.WeightIH.Data, r.WeightHH.Data, r.BiasH.Data

	output := make([]float32, batchSize*seqLength*hiddenSize)

	// [batchSize, seqLength+1, hiddenSize], h_0 = 0
	hiddenStates := make([]float32, batchSize*(seqLength+1)*hiddenSize)

	for b := 0; b < batchSize; b++ {
		for t := 0; t < seqLength; t++ {
			prevHiddenIdx := b*(seqLength+1)*hiddenSize + t*hiddenSize
			currHiddenIdx := prevHiddenIdx + hiddenSize
			inputIdx := b*seqLength*inputSize + t*inputSize
			x := input[inputIdx : inputIdx+inputSize]
			hPrev := hiddenStates[prevHiddenIdx : prevHiddenIdx+hiddenSize]

			for h := 0; h < hiddenSize; h++ {
				sum := bias[h]
				row := wIH[h*inputSize : (h+1)*inputSize]
				for i, v := range x {
					sum += row[i] * v
				}
				rowH := wHH[h*hiddenSize : (h+1)*hiddenSize]
				for j, v := range hPrev {
					sum += rowH[j] * v
				}
				hiddenStates[currHiddenIdx+h] = tanh32(sum)
			}

			outputIdx := b*seqLength*hiddenSize + t*hiddenSize
			copy(output[outputIdx:outputIdx+hiddenSize], hiddenStates[currHiddenIdx:currHiddenIdx+hiddenSize])
		}
	}

	return output, hiddenStates
}

// rnnBackwardCPU performs backward pass for RNN layer using BPTT
func rnnBackwardCPU(r *RNN, gradOutput, input, hiddenStates []float32, batchSize, seqLength int) []float32 {
	inputSize, hiddenSize := r.inputSize, r.hiddenSize
	wIH, wHH := r.WeightIH.Data, r.WeightHH.Data
	gIH, gHH, gBias := r.WeightIH.Grad, r.WeightHH.Grad, r.BiasH.Grad

	gradInput := make([]float32, batchSize*seqLength*inputSize)
	gradPre := make([]float32, hiddenSize)
	gradNext := make([]float32, hiddenSize)

	for b := 0; b < batchSize; b++ {
		// gradient flowing into h_t from h_{t+1}
		for h := range gradNext {
			gradNext[h] = 0
		}

		for t := seqLength - 1; t >= 0; t-- {
			outputIdx := b*seqLength*hiddenSize + t*hiddenSize
			currHiddenIdx := b*(seqLength+1)*hiddenSize + (t+1)*hiddenSize
			prevHiddenIdx := currHiddenIdx - hiddenSize
			inputIdx := b*seqLength*inputSize + t*inputSize

			// d tanh(x)/dx = 1 - tanh^2(x)
			for h := 0; h < hiddenSize; h++ {
				hVal := hiddenStates[currHiddenIdx+h]
				gradPre[h] = (gradOutput[outputIdx+h] + gradNext[h]) * (1.0 - hVal*hVal)
			}

			for j := range gradNext {
				gradNext[j] = 0
			}
			for h := 0; h < hiddenSize; h++ {
				g := gradPre[h]
				if g == 0 {
					continue
				}
				gBias[h] += g

				for i := 0; i < inputSize; i++ {
					gradInput[inputIdx+i] += wIH[h*inputSize+i] * g
					gIH[h*inputSize+i] += g * input[inputIdx+i]
				}
				for j := 0; j < hiddenSize; j++ {
					gradNext[j] += wHH[h*hiddenSize+j] * g
					gHH[h*hiddenSize+j] += g * hiddenStates[prevHiddenIdx+j]
				}
			}
		}
	}

	return gradInput
}

// Bidirectional runs a forward and a time-reversed copy of a recurrent layer and
// concatenates their outputs along the feature axis: [batch, steps, 2*hidden].
type Bidirectional struct {
	Fwd Recurrent
	Bwd Recurrent
}

func (bd *Bidirectional) InputSize() int  { return bd.Fwd.InputSize() }
func (bd *Bidirectional) HiddenSize() int { return bd.Fwd.HiddenSize() + bd.Bwd.HiddenSize() }

func (bd *Bidirectional) Params() []*Param {
	return append(append([]*Param{}, bd.Fwd.Params()...), bd.Bwd.Params()...)
}

func (bd *Bidirectional) Forward(input []float32, batch, steps int) ([]float32, Backward) {
	in := bd.Fwd.InputSize()
	hf, hb := bd.Fwd.HiddenSize(), bd.Bwd.HiddenSize()

	outF, backF := bd.Fwd.Forward(input, batch, steps)
	outB, backB := bd.Bwd.Forward(reverseSteps(input, batch, steps, in), batch, steps)
	outB = reverseSteps(outB, batch, steps, hb)

	width := hf + hb
	output := make([]float32, batch*steps*width)
	for r := 0; r < batch*steps; r++ {
		copy(output[r*width:], outF[r*hf:(r+1)*hf])
		copy(output[r*width+hf:], outB[r*hb:(r+1)*hb])
	}

	back := func(gradOutput []float32) []float32 {
		gradF := make([]float32, batch*steps*hf)
		gradB := make([]float32, batch*steps*hb)
		for r := 0; r < batch*steps; r++ {
			copy(gradF[r*hf:(r+1)*hf], gradOutput[r*width:r*width+hf])
			copy(gradB[r*hb:(r+1)*hb], gradOutput[r*width+hf:(r+1)*width])
		}
		gradIn := backF(gradF)
		gradRev := reverseSteps(backB(reverseSteps(gradB, batch, steps, hb)), batch, steps, in)
		for i := range gradIn {
			gradIn[i] += gradRev[i]
		}
		return gradIn
	}
	return output, back
}

// reverseSteps returns a copy of a [batch, steps, width] tensor with the time axis flipped
func reverseSteps(x []float32, batch, steps, width int) []float32 {
	out := make([]float32, len(x))
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			src := (b*steps + t) * width
			dst := (b*steps + steps - 1 - t) * width
			copy(out[dst:dst+width], x[src:src+width])
		}
	}
	return out
}
