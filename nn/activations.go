package nn

import (
	"math"
)

// activate applies the activation function to a single value
func activate(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	case ActivationSigmoid:
		return sigmoid(v)
	default:
		return v
	}
}

// activateDerivative computes the derivative with respect to the PRE-activation value
func activateDerivative(preActivation float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if preActivation > 0 {
			return 1
		}
		return 0
	case ActivationTanh:
		t := float32(math.Tanh(float64(preActivation)))
		return 1.0 - t*t
	case ActivationSigmoid:
		s := sigmoid(preActivation)
		return s * (1.0 - s)
	default:
		return 1.0
	}
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// ReLU applies max(0, x) element-wise
func ReLU(x []float32) ([]float32, Backward) {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = activate(v, ActivationReLU)
	}
	back := func(grad []float32) []float32 {
		gradIn := make([]float32, len(grad))
		for i := range grad {
			gradIn[i] = grad[i] * activateDerivative(x[i], ActivationReLU)
		}
		return gradIn
	}
	return out, back
}

// Add returns a + b element-wise; the backward pass routes the gradient to both inputs.
func Add(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}
