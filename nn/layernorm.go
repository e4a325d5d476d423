package nn

import (
	"math"
)

const layerNormEpsilon = 1e-5

// LayerNorm normalizes each row of a [rows, size] tensor and applies a learned affine map
type LayerNorm struct {
	Size  int
	Gamma *Param
	Beta  *Param
}

// NewLayerNorm creates a layer norm with gamma = 1 and beta = 0
func NewLayerNorm(name string, size int) *LayerNorm {
	ln := &LayerNorm{
		Size:  size,
		Gamma: NewParam(name+".gamma", size),
		Beta:  NewParam(name+".beta", size),
	}
	ln.Gamma.fill(1)
	return ln
}

func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}

func (ln *LayerNorm) Forward(input []float32, rows int) ([]float32, Backward) {
	n := ln.Size
	output := make([]float32, len(input))
	xHat := make([]float32, len(input))
	invStd := make([]float64, rows)

	for r := 0; r < rows; r++ {
		row := input[r*n : (r+1)*n]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(n)

		var variance float64
		for _, v := range row {
			diff := float64(v) - mean
			variance += diff * diff
		}
		variance /= float64(n)
		invStd[r] = 1.0 / math.Sqrt(variance+layerNormEpsilon)

		for i, v := range row {
			normalized := (float64(v) - mean) * invStd[r]
			xHat[r*n+i] = float32(normalized)
			output[r*n+i] = float32(normalized)*ln.Gamma.Data[i] + ln.Beta.Data[i]
		}
	}

	back := func(gradOutput []float32) []float32 {
		return layerNormBackwardCPU(ln, gradOutput, xHat, invStd, rows)
	}
	return output, back
}

// layerNormBackwardCPU uses dx = invStd * (dxhat - mean(dxhat) - xhat * mean(dxhat * xhat))
func layerNormBackwardCPU(ln *LayerNorm, gradOutput, xHat []float32, invStd []float64, rows int) []float32 {
	n := ln.Size
	gradInput := make([]float32, len(gradOutput))
	dxHat := make([]float64, n)

	for r := 0; r < rows; r++ {
		var meanD, meanDX float64
		for i := 0; i < n; i++ {
			idx := r*n + i
			dy := gradOutput[idx]

			ln.Beta.Grad[i] += dy
			ln.Gamma.Grad[i] += dy * xHat[idx]

			dxHat[i] = float64(dy) * float64(ln.Gamma.Data[i])
			meanD += dxHat[i]
			meanDX += dxHat[i] * float64(xHat[idx])
		}
		meanD /= float64(n)
		meanDX /= float64(n)

		for i := 0; i < n; i++ {
			idx := r*n + i
			gradInput[idx] = float32(invStd[r] * (dxHat[i] - meanD - float64(xHat[idx])*meanDX))
		}
	}

	return gradInput
}
