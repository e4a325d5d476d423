package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Linear is a fully-connected layer: out = x @ W + b
type Linear struct {
	In, Out int
	Weight  *Param // [in * out], index i*out + o
	Bias    *Param // [out]
}

// NewLinear initializes a dense layer with U(-1/sqrt(in), 1/sqrt(in)) weights and biases
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam(name+".weight", in, out),
		Bias:   NewParam(name+".bias", out),
	}
	bound := 1.0 / math.Sqrt(float64(in))
	l.Weight.initUniform(rng, bound)
	l.Bias.initUniform(rng, bound)
	return l
}

// Params returns the trainable tensors of the layer
func (l *Linear) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}

// Forward computes the layer output for `rows` input vectors
func (l *Linear) Forward(input []float32, rows int) ([]float32, Backward) {
	if len(input) != rows*l.In {
		panic(fmt.Sprintf("linear %s: input length %d, expected %d", l.Weight.Name, len(input), rows*l.In))
	}
	output := denseForwardCPU(input, l.Weight.Data, l.Bias.Data, rows, l.In, l.Out)
	back := func(gradOutput []float32) []float32 {
		return denseBackwardCPU(gradOutput, input, l.Weight.Data, l.Weight.Grad, l.Bias.Grad, rows, l.In, l.Out)
	}
	return output, back
}

// denseForwardCPU performs forward pass for dense layer
// input: [rows * inputSize]
// weights: [inputSize * outputSize]
// output: [rows * outputSize]
func denseForwardCPU(input, weights, bias []float32, rows, inputSize, outputSize int) []float32 {
	output := make([]float32, rows*outputSize)

	for b := 0; b < rows; b++ {
		out := output[b*outputSize : (b+1)*outputSize]
		copy(out, bias)
		for i := 0; i < inputSize; i++ {
			x := input[b*inputSize+i]
			if x == 0 {
				continue
			}
			w := weights[i*outputSize : (i+1)*outputSize]
			for o := range out {
				out[o] += x * w[o]
			}
		}
	}

	return output
}

// denseBackwardCPU accumulates weight and bias gradients and returns the input gradient
func denseBackwardCPU(gradOutput, input, weights, gradWeights, gradBias []float32, rows, inputSize, outputSize int) []float32 {
	gradInput := make([]float32, rows*inputSize)

	for b := 0; b < rows; b++ {
		g := gradOutput[b*outputSize : (b+1)*outputSize]

		// Gradient w.r.t bias
		for o, v := range g {
			gradBias[o] += v
		}

		// Gradient w.r.t weights and input
		for i := 0; i < inputSize; i++ {
			x := input[b*inputSize+i]
			w := weights[i*outputSize : (i+1)*outputSize]
			gw := gradWeights[i*outputSize : (i+1)*outputSize]
			sum := float32(0)
			for o, v := range g {
				gw[o] += x * v
				sum += w[o] * v
			}
			gradInput[b*inputSize+i] = sum
		}
	}

	return gradInput
}
