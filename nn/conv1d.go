package nn

import (
	"math"
	"math/rand"
)

// =============================================================================
// Dilated Conv1D
// =============================================================================

// Conv1D is a stride-1 dilated 1D convolution with symmetric zero padding.
// Input shape: [batch][inChannels][seqLen] (flattened)
// Output shape: [batch][filters][seqLen + 2*padding - dilation*(kernelSize-1)] (flattened)
type Conv1D struct {
	InChannels int
	Filters    int
	KernelSize int
	Dilation   int
	Padding    int
	Kernel     *Param // [filters][inChannels][kernelSize]
	Bias       *Param // [filters]
}

// NewConv1D uses the fan-in uniform initialisation common to conv layers
func NewConv1D(name string, inChannels, filters, kernelSize, dilation, padding int, rng *rand.Rand) *Conv1D {
	c := &Conv1D{
		InChannels: inChannels,
		Filters:    filters,
		KernelSize: kernelSize,
		Dilation:   dilation,
		Padding:    padding,
		Kernel:     NewParam(name+".weight", filters, inChannels, kernelSize),
		Bias:       NewParam(name+".bias", filters),
	}
	bound := 1.0 / math.Sqrt(float64(inChannels*kernelSize))
	c.Kernel.initUniform(rng, bound)
	c.Bias.initUniform(rng, bound)
	return c
}

func (c *Conv1D) Params() []*Param { return []*Param{c.Kernel, c.Bias} }

// OutLen returns the output sequence length for a given input length
func (c *Conv1D) OutLen(seqLen int) int {
	return seqLen + 2*c.Padding - c.Dilation*(c.KernelSize-1)
}

func (c *Conv1D) Forward(input []float32, batch, seqLen int) ([]float32, Backward) {
	if len(input) != batch*c.InChannels*seqLen {
		panic("conv1d: input length does not match batch*channels*seqLen")
	}
	outLen := c.OutLen(seqLen)
	output := conv1DForwardCPU(input, c.Kernel.Data, c.Bias.Data, batch, c.InChannels, c.Filters, seqLen, outLen, c.KernelSize, c.Dilation, c.Padding)

	back := func(gradOutput []float32) []float32 {
		return conv1DBackwardCPU(gradOutput, input, c.Kernel.Data, c.Kernel.Grad, c.Bias.Grad,
			batch, c.InChannels, c.Filters, seqLen, outLen, c.KernelSize, c.Dilation, c.Padding)
	}
	return output, back
}

func conv1DForwardCPU(input, kernel, bias []float32, batch, inChannels, filters, seqLen, outLen, kernelSize, dilation, padding int) []float32 {
	output := make([]float32, batch*filters*outLen)
	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			for o := 0; o < outLen; o++ {
				sum := bias[f]
				for ic := 0; ic < inChannels; ic++ {
					for k := 0; k < kernelSize; k++ {
						inPos := o + k*dilation - padding
						if inPos < 0 || inPos >= seqLen {
							continue
						}
						sum += input[(b*inChannels+ic)*seqLen+inPos] * kernel[(f*inChannels+ic)*kernelSize+k]
					}
				}
				output[(b*filters+f)*outLen+o] = sum
			}
		}
	}
	return output
}

func conv1DBackwardCPU(gradOutput, input, kernel, kernelGrad, biasGrad []float32, batch, inChannels, filters, seqLen, outLen, kernelSize, dilation, padding int) []float32 {
	gradInput := make([]float32, len(input))
	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			for o := 0; o < outLen; o++ {
				g := gradOutput[(b*filters+f)*outLen+o]
				if g == 0 {
					continue
				}
				biasGrad[f] += g
				for ic := 0; ic < inChannels; ic++ {
					for k := 0; k < kernelSize; k++ {
						inPos := o + k*dilation - padding
						if inPos < 0 || inPos >= seqLen {
							continue
						}
						inIdx := (b*inChannels+ic)*seqLen + inPos
						kIdx := (f*inChannels+ic)*kernelSize + k
						kernelGrad[kIdx] += g * input[inIdx]
						gradInput[inIdx] += g * kernel[kIdx]
					}
				}
			}
		}
	}
	return gradInput
}

// TruncateSteps keeps the first keep positions of every channel.
// Input shape: [batch][channels][seqLen]
func TruncateSteps(input []float32, batch, channels, seqLen, keep int) ([]float32, Backward) {
	output := make([]float32, batch*channels*keep)
	for bc := 0; bc < batch*channels; bc++ {
		copy(output[bc*keep:(bc+1)*keep], input[bc*seqLen:bc*seqLen+keep])
	}
	back := func(gradOutput []float32) []float32 {
		gradInput := make([]float32, len(input))
		for bc := 0; bc < batch*channels; bc++ {
			copy(gradInput[bc*seqLen:bc*seqLen+keep], gradOutput[bc*keep:(bc+1)*keep])
		}
		return gradInput
	}
	return output, back
}
