package nn

import "math"

// Optimizer updates parameters in place from their accumulated gradients
type Optimizer interface {
	Step(params []*Param)
	LR() float64
	SetLR(lr float64)
	Name() string
}

// ============================================================================
// Adam Optimizer
// ============================================================================

type AdamOptimizer struct {
	lr      float64
	beta1   float64
	beta2   float64
	epsilon float64
	step    int
	m       map[*Param][]float64 // First moment
	v       map[*Param][]float64 // Second moment
}

func NewAdamOptimizer(lr float64) *AdamOptimizer {
	return NewAdamOptimizerWithParams(lr, 0.9, 0.999, 1e-8)
}

func NewAdamOptimizerWithParams(lr, beta1, beta2, epsilon float64) *AdamOptimizer {
	return &AdamOptimizer{
		lr:      lr,
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		m:       make(map[*Param][]float64),
		v:       make(map[*Param][]float64),
	}
}

func (opt *AdamOptimizer) Step(params []*Param) {
	opt.step++
	bias1 := 1 - math.Pow(opt.beta1, float64(opt.step))
	bias2 := 1 - math.Pow(opt.beta2, float64(opt.step))

	for _, p := range params {
		m, ok := opt.m[p]
		if !ok {
			m = make([]float64, p.Size())
			opt.m[p] = m
			opt.v[p] = make([]float64, p.Size())
		}
		v := opt.v[p]

		for i, g32 := range p.Grad {
			g := float64(g32)
			m[i] = opt.beta1*m[i] + (1-opt.beta1)*g
			v[i] = opt.beta2*v[i] + (1-opt.beta2)*g*g

			mHat := m[i] / bias1
			vHat := v[i] / bias2
			p.Data[i] -= float32(opt.lr * mHat / (math.Sqrt(vHat) + opt.epsilon))
		}
	}
}

func (opt *AdamOptimizer) LR() float64 { return opt.lr }

func (opt *AdamOptimizer) SetLR(lr float64) { opt.lr = lr }

func (opt *AdamOptimizer) Name() string {
	return "Adam"
}
