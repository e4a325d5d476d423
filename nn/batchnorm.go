package nn

import "math"

const (
	batchNormEpsilon  = 1e-5
	batchNormMomentum = 0.1
)

// BatchNorm1D normalizes every channel of a [batch, channels, length] tensor.
// Training uses the statistics of the current batch and folds them into the
// running estimates; inference uses the running estimates.
type BatchNorm1D struct {
	Channels int
	Momentum float64

	Gamma *Param
	Beta  *Param

	// Not trained; persisted with the checkpoint
	RunningMean *Param
	RunningVar  *Param
}

// NewBatchNorm1D creates a batch norm with gamma = 1, beta = 0 and unit running variance
func NewBatchNorm1D(name string, channels int) *BatchNorm1D {
	bn := &BatchNorm1D{
		Channels:    channels,
		Momentum:    batchNormMomentum,
		Gamma:       NewParam(name+".weight", channels),
		Beta:        NewParam(name+".bias", channels),
		RunningMean: NewParam(name+".running_mean", channels),
		RunningVar:  NewParam(name+".running_var", channels),
	}
	bn.Gamma.fill(1)
	bn.RunningVar.fill(1)
	return bn
}

func (bn *BatchNorm1D) Params() []*Param {
	return []*Param{bn.Gamma, bn.Beta}
}

// Buffers returns the running statistics
func (bn *BatchNorm1D) Buffers() []*Param {
	return []*Param{bn.RunningMean, bn.RunningVar}
}

func (bn *BatchNorm1D) Forward(input []float32, batch, length int, training bool) ([]float32, Backward) {
	if training {
		return bn.forwardTrain(input, batch, length)
	}
	return bn.forwardEval(input, batch, length)
}

func (bn *BatchNorm1D) forwardTrain(input []float32, batch, length int) ([]float32, Backward) {
	channels := bn.Channels
	n := float64(batch * length)
	output := make([]float32, len(input))
	xHat := make([]float32, len(input))
	invStd := make([]float64, channels)

	for c := 0; c < channels; c++ {
		var sum float64
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * length
			for _, v := range input[base : base+length] {
				sum += float64(v)
			}
		}
		mean := sum / n

		var variance float64
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * length
			for _, v := range input[base : base+length] {
				diff := float64(v) - mean
				variance += diff * diff
			}
		}
		variance /= n
		invStd[c] = 1.0 / math.Sqrt(variance+batchNormEpsilon)

		// running variance tracks the unbiased estimate
		unbiased := variance
		if n > 1 {
			unbiased = variance * n / (n - 1)
		}
		m := bn.Momentum
		bn.RunningMean.Data[c] = float32((1-m)*float64(bn.RunningMean.Data[c]) + m*mean)
		bn.RunningVar.Data[c] = float32((1-m)*float64(bn.RunningVar.Data[c]) + m*unbiased)

		g, beta := bn.Gamma.Data[c], bn.Beta.Data[c]
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * length
			for i := base; i < base+length; i++ {
				normalized := float32((float64(input[i]) - mean) * invStd[c])
				xHat[i] = normalized
				output[i] = normalized*g + beta
			}
		}
	}

	back := func(gradOutput []float32) []float32 {
		return batchNormBackwardCPU(bn, gradOutput, xHat, invStd, batch, length)
	}
	return output, back
}

func (bn *BatchNorm1D) forwardEval(input []float32, batch, length int) ([]float32, Backward) {
	channels := bn.Channels
	output := make([]float32, len(input))
	xHat := make([]float32, len(input))
	invStd := make([]float32, channels)

	for c := 0; c < channels; c++ {
		invStd[c] = float32(1.0 / math.Sqrt(float64(bn.RunningVar.Data[c])+batchNormEpsilon))
		mean := bn.RunningMean.Data[c]
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * length
			for i := base; i < base+length; i++ {
				xHat[i] = (input[i] - mean) * invStd[c]
				output[i] = xHat[i]*bn.Gamma.Data[c] + bn.Beta.Data[c]
			}
		}
	}

	back := func(gradOutput []float32) []float32 {
		gradInput := make([]float32, len(gradOutput))
		for b := 0; b < batch; b++ {
			for c := 0; c < channels; c++ {
				base := (b*channels + c) * length
				for i := base; i < base+length; i++ {
					dy := gradOutput[i]
					bn.Beta.Grad[c] += dy
					bn.Gamma.Grad[c] += dy * xHat[i]
					gradInput[i] = dy * bn.Gamma.Data[c] * invStd[c]
				}
			}
		}
		return gradInput
	}
	return output, back
}

// batchNormBackwardCPU applies dx = invStd * (dxhat - mean(dxhat) - xhat * mean(dxhat * xhat))
// per channel, the means running over batch and length
func batchNormBackwardCPU(bn *BatchNorm1D, gradOutput, xHat []float32, invStd []float64, batch, length int) []float32 {
	channels := bn.Channels
	n := float64(batch * length)
	gradInput := make([]float32, len(gradOutput))

	for c := 0; c < channels; c++ {
		g := float64(bn.Gamma.Data[c])
		var meanD, meanDX float64
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * length
			for i := base; i < base+length; i++ {
				dy := gradOutput[i]
				bn.Beta.Grad[c] += dy
				bn.Gamma.Grad[c] += dy * xHat[i]

				d := float64(dy) * g
				meanD += d
				meanDX += d * float64(xHat[i])
			}
		}
		meanD /= n
		meanDX /= n

		for b := 0; b < batch; b++ {
			base := (b*channels + c) * length
			for i := base; i < base+length; i++ {
				d := float64(gradOutput[i]) * g
				gradInput[i] = float32(invStd[c] * (d - meanD - float64(xHat[i])*meanDX))
			}
		}
	}

	return gradInput
}
