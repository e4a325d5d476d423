package nn

import "math"

// Softmax applies a numerically stable softmax to every row of a [rows, classes] matrix
func Softmax(logits []float32, classes int) []float32 {
	probs := make([]float32, len(logits))
	for r := 0; r < len(logits)/classes; r++ {
		row := logits[r*classes : (r+1)*classes]
		out := probs[r*classes : (r+1)*classes]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[i] = float32(e)
			sum += e
		}
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	}
	return probs
}

// SoftmaxCrossEntropy returns the mean cross-entropy over the batch and the gradient
// of that mean with respect to the logits.
func SoftmaxCrossEntropy(logits []float32, targets []int, classes int) (float64, []float32) {
	batch := len(targets)
	if len(logits) != batch*classes {
		panic("cross entropy: logits length does not match targets*classes")
	}

	probs := Softmax(logits, classes)
	grad := make([]float32, len(logits))
	loss := 0.0
	inv := float32(1.0 / float64(batch))
	for b, target := range targets {
		p := float64(probs[b*classes+target])
		loss -= math.Log(math.Max(p, 1e-12))
		for c := 0; c < classes; c++ {
			g := probs[b*classes+c]
			if c == target {
				g -= 1
			}
			grad[b*classes+c] = g * inv
		}
	}
	return loss / float64(batch), grad
}
