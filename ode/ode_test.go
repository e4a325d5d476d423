package ode

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decay is dz/dt = -z
func decay(z []float32) ([]float32, func([]float32) []float32) {
	out := make([]float32, len(z))
	for i, v := range z {
		out[i] = -v
	}
	return out, func(g []float32) []float32 {
		gz := make([]float32, len(g))
		for i, v := range g {
			gz[i] = -v
		}
		return gz
	}
}

func TestSolversIntegrateDecay(t *testing.T) {
	tests := []struct {
		name string
		tol  float64
	}{
		{"rk4", 1e-5},
		{"euler", 5e-3},
	}
	want := math.Exp(-1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			solver, ok := Lookup(tt.name, 100)
			require.True(t, ok)

			z1, back := solver.Integrate(decay, []float32{1, 2}, 0, 1)
			assert.InDelta(t, want, float64(z1[0]), tt.tol)
			assert.InDelta(t, 2*want, float64(z1[1]), 2*tt.tol)

			// d z(1) / d z(0) = e^-1 for the linear decay
			grad := back([]float32{1, 0})
			assert.InDelta(t, want, float64(grad[0]), tt.tol)
			assert.InDelta(t, 0, float64(grad[1]), 1e-9)
		})
	}
}

func TestRK4GradientMatchesFiniteDifference(t *testing.T) {
	// dz/dt = sin(z), nonlinear so that every stage matters
	f := func(z []float32) ([]float32, func([]float32) []float32) {
		out := make([]float32, len(z))
		for i, v := range z {
			out[i] = float32(math.Sin(float64(v)))
		}
		return out, func(g []float32) []float32 {
			gz := make([]float32, len(g))
			for i := range g {
				gz[i] = g[i] * float32(math.Cos(float64(z[i])))
			}
			return gz
		}
	}

	solver := &RK4{Steps: 4}
	z0 := []float32{0.7}
	_, back := solver.Integrate(f, z0, 0, 1)
	analytic := back([]float32{1})[0]

	const eps = 1e-3
	plus, _ := solver.Integrate(f, []float32{0.7 + eps}, 0, 1)
	minus, _ := solver.Integrate(f, []float32{0.7 - eps}, 0, 1)
	numeric := float64(plus[0]-minus[0]) / (2 * eps)
	assert.InDelta(t, numeric, float64(analytic), 1e-2)
}

func TestLookupUnavailable(t *testing.T) {
	for _, name := range []string{"none", "", "dopri5"} {
		s, ok := Lookup(name, 10)
		assert.False(t, ok, name)
		assert.Nil(t, s)
	}
	s, ok := Lookup("RK4", 0)
	require.True(t, ok)
	assert.Equal(t, "rk4(1)", s.Name())
}
