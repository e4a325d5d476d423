package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Backward propagates the gradient of the loss with respect to a layer output back to
// the layer input, accumulating parameter gradients on the way.
type Backward func(gradOutput []float32) []float32

// ActivationType defines the element-wise activation used by a layer
type ActivationType int

const (
	ActivationNone    ActivationType = 0
	ActivationReLU    ActivationType = 1
	ActivationTanh    ActivationType = 2
	ActivationSigmoid ActivationType = 3
)

// Param is a trainable tensor and its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParam allocates a zero-valued parameter with the given shape.
func NewParam(name string, shape ...int) *Param {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, size),
		Grad:  make([]float32, size),
	}
}

// Size returns the number of elements in the parameter
func (p *Param) Size() int {
	return len(p.Data)
}

// initNormal fills the parameter with N(0, std^2) samples
func (p *Param) initNormal(rng *rand.Rand, std float64) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// initUniform fills the parameter with U(-bound, bound) samples
func (p *Param) initUniform(rng *rand.Rand, bound float64) {
	for i := range p.Data {
		p.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// fill sets every element to v
func (p *Param) fill(v float32) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// ZeroGrads clears accumulated gradients
func ZeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// GradNorm returns the global L2 norm over all parameter gradients
func GradNorm(params []*Param) float64 {
	total := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			total += float64(g) * float64(g)
		}
	}
	return math.Sqrt(total)
}

// ClipGradNorm rescales all gradients so that their global norm is at most maxNorm.
// It returns the norm measured before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}

// CountParams returns the total number of trainable scalars
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}

// CheckUniqueNames ensures parameter names can serve as checkpoint keys
func CheckUniqueNames(params []*Param) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
