// Package ode integrates dz/dt = f(z) over a fixed interval with explicit
// fixed-step solvers and propagates gradients back through every step.
package ode

import (
	"fmt"
	"strings"
)

// Func evaluates the vector field at z and returns a closure mapping a gradient
// with respect to f(z) onto a gradient with respect to z. Parameter gradients
// are accumulated as a side effect of that closure.
type Func func(z []float32) ([]float32, func(grad []float32) []float32)

// Solver integrates f from t0 to t1 starting at z0.
// The returned closure maps dL/dz(t1) to dL/dz(t0).
type Solver interface {
	Name() string
	Integrate(f Func, z0 []float32, t0, t1 float64) ([]float32, func(grad []float32) []float32)
}

// Lookup resolves a solver by name. "none" and the empty string report that no
// solver is available.
func Lookup(name string, steps int) (Solver, bool) {
	if steps <= 0 {
		steps = 1
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "euler":
		return &Euler{Steps: steps}, true
	case "rk4", "runge-kutta", "rungekutta":
		return &RK4{Steps: steps}, true
	default:
		return nil, false
	}
}

// Euler is the explicit first-order method z += h f(z)
type Euler struct {
	Steps int
}

func (e *Euler) Name() string { return fmt.Sprintf("euler(%d)", e.Steps) }

func (e *Euler) Integrate(f Func, z0 []float32, t0, t1 float64) ([]float32, func([]float32) []float32) {
	h := float32((t1 - t0) / float64(e.Steps))
	backs := make([]func([]float32) []float32, e.Steps)

	z := append([]float32(nil), z0...)
	for s := 0; s < e.Steps; s++ {
		dz, back := f(z)
		backs[s] = back
		next := make([]float32, len(z))
		for i := range z {
			next[i] = z[i] + h*dz[i]
		}
		z = next
	}

	back := func(grad []float32) []float32 {
		g := append([]float32(nil), grad...)
		for s := e.Steps - 1; s >= 0; s-- {
			scaled := scale(g, h)
			gf := backs[s](scaled)
			for i := range g {
				g[i] += gf[i]
			}
		}
		return g
	}
	return z, back
}

// RK4 is the classical fourth-order Runge-Kutta method
type RK4 struct {
	Steps int
}

func (r *RK4) Name() string { return fmt.Sprintf("rk4(%d)", r.Steps) }

type rk4Step struct {
	b1, b2, b3, b4 func([]float32) []float32
}

func (r *RK4) Integrate(f Func, z0 []float32, t0, t1 float64) ([]float32, func([]float32) []float32) {
	h := float32((t1 - t0) / float64(r.Steps))
	steps := make([]rk4Step, r.Steps)

	z := append([]float32(nil), z0...)
	for s := 0; s < r.Steps; s++ {
		k1, b1 := f(z)
		k2, b2 := f(axpy(z, h/2, k1))
		k3, b3 := f(axpy(z, h/2, k2))
		k4, b4 := f(axpy(z, h, k3))
		steps[s] = rk4Step{b1, b2, b3, b4}

		next := make([]float32, len(z))
		for i := range z {
			next[i] = z[i] + h/6*(k1[i]+2*k2[i]+2*k3[i]+k4[i])
		}
		z = next
	}

	back := func(grad []float32) []float32 {
		g := append([]float32(nil), grad...)
		for s := r.Steps - 1; s >= 0; s-- {
			st := steps[s]
			dz := append([]float32(nil), g...)
			gk1 := scale(g, h/6)
			gk2 := scale(g, h/3)
			gk3 := scale(g, h/3)
			gk4 := scale(g, h/6)

			// k4 = f(z + h k3)
			gu := st.b4(gk4)
			accumulate(dz, gu, 1)
			accumulate(gk3, gu, h)

			// k3 = f(z + h/2 k2)
			gu = st.b3(gk3)
			accumulate(dz, gu, 1)
			accumulate(gk2, gu, h/2)

			// k2 = f(z + h/2 k1)
			gu = st.b2(gk2)
			accumulate(dz, gu, 1)
			accumulate(gk1, gu, h/2)

			gu = st.b1(gk1)
			accumulate(dz, gu, 1)
			g = dz
		}
		return g
	}
	return z, back
}

func axpy(z []float32, a float32, x []float32) []float32 {
	out := make([]float32, len(z))
	for i := range z {
		out[i] = z[i] + a*x[i]
	}
	return out
}

func scale(x []float32, a float32) []float32 {
	out := make([]float32, len(x))
	for i := range x {
		out[i] = a * x[i]
	}
	return out
}

func accumulate(dst, src []float32, a float32) {
	for i := range dst {
		dst[i] += a * src[i]
	}
}
