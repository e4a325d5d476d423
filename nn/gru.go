package nn

import (
	"math"
	"math/rand"
)

// Gate order inside the stacked GRU weights: reset (r), update (z), new/candidate (n)
const (
	gruR = iota
	gruZ
	gruN
	gruGates
)

// GRU is a gated recurrent unit layer:
//
//	r = sigmoid(W_ir x + b_ir + W_hr h + b_hr)
//	z = sigmoid(W_iz x + b_iz + W_hz h + b_hz)
//	n = tanh(W_in x + b_in + r * (W_hn h + b_hn))
//	h' = (1 - z) * n + z * h
type GRU struct {
	inputSize  int
	hiddenSize int
	WeightIH   *Param // [3*hiddenSize x inputSize]
	WeightHH   *Param // [3*hiddenSize x hiddenSize]
	BiasIH     *Param // [3*hiddenSize]
	BiasHH     *Param // [3*hiddenSize]
}

// NewGRU initializes a GRU layer with U(-1/sqrt(hidden), 1/sqrt(hidden)) weights
func NewGRU(name string, inputSize, hiddenSize int, rng *rand.Rand) *GRU {
	g := &GRU{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		WeightIH:   NewParam(name+".weight_ih", gruGates*hiddenSize, inputSize),
		WeightHH:   NewParam(name+".weight_hh", gruGates*hiddenSize, hiddenSize),
		BiasIH:     NewParam(name+".bias_ih", gruGates*hiddenSize),
		BiasHH:     NewParam(name+".bias_hh", gruGates*hiddenSize),
	}
	bound := 1.0 / math.Sqrt(float64(hiddenSize))
	for _, p := range g.Params() {
		p.initUniform(rng, bound)
	}
	return g
}

func (g *GRU) InputSize() int  { return g.inputSize }
func (g *GRU) HiddenSize() int { return g.hiddenSize }

func (g *GRU) Params() []*Param {
	return []*Param{g.WeightIH, g.WeightHH, g.BiasIH, g.BiasHH}
}

// gruStates holds everything the reverse pass needs
type gruStates struct {
	hidden []float32 // [batch, steps+1, hidden], h_0 = 0
	gates  []float32 // [batch, steps, 3*hidden], post-activation r, z, n
	hn     []float32 // [batch, steps, hidden], W_hn h + b_hn
}

func (g *GRU) Forward(input []float32, batch, steps int) ([]float32, Backward) {
	output, states := gruForwardCPU(g, input, batch, steps)
	back := func(gradOutput []float32) []float32 {
		return gruBackwardCPU(g, gradOutput, input, states, batch, steps)
	}
	return output, back
}

// gruForwardCPU performs forward pass for GRU layer
// Input shape: [batchSize, seqLength, inputSize]
// Output shape: [batchSize, seqLength, hiddenSize]
func gruForwardCPU(g *GRU, input []float32, batchSize, seqLength int) ([]float32, *gruStates) {
	inputSize, hiddenSize := g.inputSize, g.hiddenSize
	gw := gruGates * hiddenSize
	wIH, wHH, bIH, bHH := g.WeightIH.Data, g.WeightHH.Data, g.BiasIH.Data, g.BiasHH.Data

	output := make([]float32, batchSize*seqLength*hiddenSize)
	st := &gruStates{
		hidden: make([]float32, batchSize*(seqLength+1)*hiddenSize),
		gates:  make([]float32, batchSize*seqLength*gw),
		hn:     make([]float32, batchSize*seqLength*hiddenSize),
	}
	gi := make([]float32, gw)
	gh := make([]float32, gw)

	for b := 0; b < batchSize; b++ {
		for t := 0; t < seqLength; t++ {
			prevIdx := b*(seqLength+1)*hiddenSize + t*hiddenSize
			currIdx := prevIdx + hiddenSize
			inputIdx := b*seqLength*inputSize + t*inputSize
			gateIdx := (b*seqLength + t) * gw
			stepIdx := (b*seqLength + t) * hiddenSize

			x := input[inputIdx : inputIdx+inputSize]
			hPrev := st.hidden[prevIdx : prevIdx+hiddenSize]

			for r := 0; r < gw; r++ {
				si := bIH[r]
				row := wIH[r*inputSize : (r+1)*inputSize]
				for i, v := range x {
					si += row[i] * v
				}
				gi[r] = si

				sh := bHH[r]
				rowH := wHH[r*hiddenSize : (r+1)*hiddenSize]
				for j, v := range hPrev {
					sh += rowH[j] * v
				}
				gh[r] = sh
			}

			gates := st.gates[gateIdx : gateIdx+gw]
			for h := 0; h < hiddenSize; h++ {
				r := sigmoid(gi[gruR*hiddenSize+h] + gh[gruR*hiddenSize+h])
				z := sigmoid(gi[gruZ*hiddenSize+h] + gh[gruZ*hiddenSize+h])
				hn := gh[gruN*hiddenSize+h]
				n := tanh32(gi[gruN*hiddenSize+h] + r*hn)

				gates[gruR*hiddenSize+h] = r
				gates[gruZ*hiddenSize+h] = z
				gates[gruN*hiddenSize+h] = n
				st.hn[stepIdx+h] = hn
				st.hidden[currIdx+h] = (1-z)*n + z*hPrev[h]
			}

			copy(output[stepIdx:stepIdx+hiddenSize], st.hidden[currIdx:currIdx+hiddenSize])
		}
	}

	return output, st
}

// gruBackwardCPU performs backward pass for GRU layer using BPTT
func gruBackwardCPU(g *GRU, gradOutput, input []float32, st *gruStates, batchSize, seqLength int) []float32 {
	inputSize, hiddenSize := g.inputSize, g.hiddenSize
	gw := gruGates * hiddenSize
	wIH, wHH := g.WeightIH.Data, g.WeightHH.Data
	gIH, gHH, gbIH, gbHH := g.WeightIH.Grad, g.WeightHH.Grad, g.BiasIH.Grad, g.BiasHH.Grad

	gradInput := make([]float32, batchSize*seqLength*inputSize)
	gradGI := make([]float32, gw)
	gradGH := make([]float32, gw)
	gradHidden := make([]float32, hiddenSize)
	nextHidden := make([]float32, hiddenSize)

	for b := 0; b < batchSize; b++ {
		for h := range gradHidden {
			gradHidden[h] = 0
		}

		for t := seqLength - 1; t >= 0; t-- {
			prevIdx := b*(seqLength+1)*hiddenSize + t*hiddenSize
			inputIdx := b*seqLength*inputSize + t*inputSize
			gateIdx := (b*seqLength + t) * gw
			stepIdx := (b*seqLength + t) * hiddenSize
			gates := st.gates[gateIdx : gateIdx+gw]

			for h := 0; h < hiddenSize; h++ {
				r := gates[gruR*hiddenSize+h]
				z := gates[gruZ*hiddenSize+h]
				n := gates[gruN*hiddenSize+h]
				hPrev := st.hidden[prevIdx+h]

				dh := gradOutput[stepIdx+h] + gradHidden[h]
				dn := dh * (1 - z) * (1 - n*n)
				dz := dh * (hPrev - n) * z * (1 - z)
				dr := dn * st.hn[stepIdx+h] * r * (1 - r)
				nextHidden[h] = dh * z

				gradGI[gruR*hiddenSize+h] = dr
				gradGI[gruZ*hiddenSize+h] = dz
				gradGI[gruN*hiddenSize+h] = dn
				gradGH[gruR*hiddenSize+h] = dr
				gradGH[gruZ*hiddenSize+h] = dz
				gradGH[gruN*hiddenSize+h] = dn * r
			}

			for row := 0; row < gw; row++ {
				di := gradGI[row]
				gbIH[row] += di
				for i := 0; i < inputSize; i++ {
					gradInput[inputIdx+i] += wIH[row*inputSize+i] * di
					gIH[row*inputSize+i] += di * input[inputIdx+i]
				}

				dh := gradGH[row]
				gbHH[row] += dh
				for j := 0; j < hiddenSize; j++ {
					nextHidden[j] += wHH[row*hiddenSize+j] * dh
					gHH[row*hiddenSize+j] += dh * st.hidden[prevIdx+j]
				}
			}

			gradHidden, nextHidden = nextHidden, gradHidden
		}
	}

	return gradInput
}
