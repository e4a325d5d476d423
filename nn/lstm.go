package nn

import (
	"math"
	"math/rand"
)

// Gate order inside the stacked LSTM weights: input (i), forget (f), cell/candidate (g), output (o)
const (
	gateI = iota
	gateF
	gateG
	gateO
	numGates
)

// LSTM is a long short-term memory layer with the four gates stacked row-wise
type LSTM struct {
	inputSize  int
	hiddenSize int
	WeightIH   *Param // [4*hiddenSize x inputSize]
	WeightHH   *Param // [4*hiddenSize x hiddenSize]
	Bias       *Param // [4*hiddenSize]
}

// NewLSTM initializes an LSTM layer with Xavier/Glorot initialization. The forget
// gate bias starts at 1.0 so the cell remembers by default.
func NewLSTM(name string, inputSize, hiddenSize int, rng *rand.Rand) *LSTM {
	l := &LSTM{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		WeightIH:   NewParam(name+".weight_ih", numGates*hiddenSize, inputSize),
		WeightHH:   NewParam(name+".weight_hh", numGates*hiddenSize, hiddenSize),
		Bias:       NewParam(name+".bias", numGates*hiddenSize),
	}
	l.WeightIH.initNormal(rng, math.Sqrt(2.0/float64(inputSize+hiddenSize)))
	l.WeightHH.initNormal(rng, math.Sqrt(2.0/float64(hiddenSize+hiddenSize)))
	for h := 0; h < hiddenSize; h++ {
		l.Bias.Data[gateF*hiddenSize+h] = 1.0
	}
	return l
}

func (l *LSTM) InputSize() int  { return l.inputSize }
func (l *LSTM) HiddenSize() int { return l.hiddenSize }

func (l *LSTM) Params() []*Param {
	return []*Param{l.WeightIH, l.WeightHH, l.Bias}
}

// lstmStates holds everything the reverse pass needs
type lstmStates struct {
	hidden []float32 // [batch, steps+1, hidden], h_0 = 0
	cell   []float32 // [batch, steps+1, hidden], c_0 = 0
	gates  []float32 // [batch, steps, 4*hidden], post-activation
	cTanh  []float32 // [batch, steps, hidden]
}

func (l *LSTM) Forward(input []float32, batch, steps int) ([]float32, Backward) {
	output, states := lstmForwardCPU(l, input, batch, steps)
	back := func(gradOutput []float32) []float32 {
		return lstmBackwardCPU(l, gradOutput, input, states, batch, steps)
	}
	return output, back
}

// lstmForwardCPU performs forward pass for LSTM layer
// Input shape: [batchSize, seqLength, inputSize]
// Output shape: [batchSize, seqLength, hiddenSize]
func lstmForwardCPU(l *LSTM, input []float32, batchSize, seqLength int) ([]float32, *lstmStates) {
	inputSize, hiddenSize := l.inputSize, l.hiddenSize
	gw := numGates * hiddenSize
	wIH, wHH, bias := l.WeightIH.Data, l.WeightHH.Data, l.Bias.Data

	output := make([]float32, batchSize*seqLength*hiddenSize)
	st := &lstmStates{
		hidden: make([]float32, batchSize*(seqLength+1)*hiddenSize),
		cell:   make([]float32, batchSize*(seqLength+1)*hiddenSize),
		gates:  make([]float32, batchSize*seqLength*gw),
		cTanh:  make([]float32, batchSize*seqLength*hiddenSize),
	}

	for b := 0; b < batchSize; b++ {
		for t := 0; t < seqLength; t++ {
			prevIdx := b*(seqLength+1)*hiddenSize + t*hiddenSize
			currIdx := prevIdx + hiddenSize
			inputIdx := b*seqLength*inputSize + t*inputSize
			gateIdx := (b*seqLength + t) * gw
			stepIdx := (b*seqLength + t) * hiddenSize

			x := input[inputIdx : inputIdx+inputSize]
			hPrev := st.hidden[prevIdx : prevIdx+hiddenSize]
			gates := st.gates[gateIdx : gateIdx+gw]

			for r := 0; r < gw; r++ {
				sum := bias[r]
				row := wIH[r*inputSize : (r+1)*inputSize]
				for i, v := range x {
					sum += row[i] * v
				}
				rowH := wHH[r*hiddenSize : (r+1)*hiddenSize]
				for j, v := range hPrev {
					sum += rowH[j] * v
				}
				if r/hiddenSize == gateG {
					gates[r] = tanh32(sum)
				} else {
					gates[r] = sigmoid(sum)
				}
			}

			for h := 0; h < hiddenSize; h++ {
				i := gates[gateI*hiddenSize+h]
				f := gates[gateF*hiddenSize+h]
				g := gates[gateG*hiddenSize+h]
				o := gates[gateO*hiddenSize+h]

				// c_t = f_t * c_{t-1} + i_t * g_t ; h_t = o_t * tanh(c_t)
				c := f*st.cell[prevIdx+h] + i*g
				ct := tanh32(c)
				st.cell[currIdx+h] = c
				st.cTanh[stepIdx+h] = ct
				st.hidden[currIdx+h] = o * ct
			}

			copy(output[stepIdx:stepIdx+hiddenSize], st.hidden[currIdx:currIdx+hiddenSize])
		}
	}

	return output, st
}

// lstmBackwardCPU performs backward pass for LSTM layer using BPTT
func lstmBackwardCPU(l *LSTM, gradOutput, input []float32, st *lstmStates, batchSize, seqLength int) []float32 {
	inputSize, hiddenSize := l.inputSize, l.hiddenSize
	gw := numGates * hiddenSize
	wIH, wHH := l.WeightIH.Data, l.WeightHH.Data
	gIH, gHH, gBias := l.WeightIH.Grad, l.WeightHH.Grad, l.Bias.Grad

	gradInput := make([]float32, batchSize*seqLength*inputSize)
	gradPre := make([]float32, gw)
	gradHidden := make([]float32, hiddenSize)
	gradCell := make([]float32, hiddenSize)

	for b := 0; b < batchSize; b++ {
		for h := 0; h < hiddenSize; h++ {
			gradHidden[h] = 0
			gradCell[h] = 0
		}

		for t := seqLength - 1; t >= 0; t-- {
			prevIdx := b*(seqLength+1)*hiddenSize + t*hiddenSize
			inputIdx := b*seqLength*inputSize + t*inputSize
			gateIdx := (b*seqLength + t) * gw
			stepIdx := (b*seqLength + t) * hiddenSize
			gates := st.gates[gateIdx : gateIdx+gw]

			for h := 0; h < hiddenSize; h++ {
				i := gates[gateI*hiddenSize+h]
				f := gates[gateF*hiddenSize+h]
				g := gates[gateG*hiddenSize+h]
				o := gates[gateO*hiddenSize+h]
				ct := st.cTanh[stepIdx+h]

				dh := gradOutput[stepIdx+h] + gradHidden[h]
				do := dh * ct
				dc := gradCell[h] + dh*o*(1.0-ct*ct)

				di := dc * g
				dg := dc * i
				df := dc * st.cell[prevIdx+h]
				gradCell[h] = dc * f

				gradPre[gateI*hiddenSize+h] = di * i * (1.0 - i)
				gradPre[gateF*hiddenSize+h] = df * f * (1.0 - f)
				gradPre[gateG*hiddenSize+h] = dg * (1.0 - g*g)
				gradPre[gateO*hiddenSize+h] = do * o * (1.0 - o)
			}

			for j := range gradHidden {
				gradHidden[j] = 0
			}
			for r := 0; r < gw; r++ {
				g := gradPre[r]
				if g == 0 {
					continue
				}
				gBias[r] += g
				for i := 0; i < inputSize; i++ {
					gradInput[inputIdx+i] += wIH[r*inputSize+i] * g
					gIH[r*inputSize+i] += g * input[inputIdx+i]
				}
				for j := 0; j < hiddenSize; j++ {
					gradHidden[j] += wHH[r*hiddenSize+j] * g
					gHH[r*hiddenSize+j] += g * st.hidden[prevIdx+j]
				}
			}
		}
	}

	return gradInput
}
