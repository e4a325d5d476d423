package nn

import "math/rand"

// Dropout zeroes elements with probability Rate during training and scales the
// survivors by 1/(1-Rate). It is the identity at inference.
type Dropout struct {
	Rate float64
	rng  *rand.Rand
}

func NewDropout(rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{Rate: rate, rng: rng}
}

func (d *Dropout) Forward(input []float32, training bool) ([]float32, Backward) {
	if !training || d.Rate <= 0 {
		return input, func(gradOutput []float32) []float32 { return gradOutput }
	}

	keep := 1 - d.Rate
	scale := float32(1 / keep)
	mask := make([]float32, len(input))
	output := make([]float32, len(input))
	for i, v := range input {
		if d.rng.Float64() < keep {
			mask[i] = scale
			output[i] = v * scale
		}
	}

	back := func(gradOutput []float32) []float32 {
		gradInput := make([]float32, len(gradOutput))
		for i, g := range gradOutput {
			gradInput[i] = g * mask[i]
		}
		return gradInput
	}
	return output, back
}
