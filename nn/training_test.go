package nn

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipGradNorm(t *testing.T) {
	p := NewParam("w", 2)
	p.Grad[0], p.Grad[1] = 30, 40

	norm := ClipGradNorm([]*Param{p}, 5.0)
	assert.InDelta(t, 50.0, norm, 1e-9)
	assert.InDelta(t, 5.0, GradNorm([]*Param{p}), 1e-4)

	// Below the threshold nothing changes
	p.Grad[0], p.Grad[1] = 0.3, 0.4
	ClipGradNorm([]*Param{p}, 5.0)
	assert.Equal(t, []float32{0.3, 0.4}, p.Grad)
}

func TestPlateauSchedulerHalvesAfterPatience(t *testing.T) {
	s := NewPlateauScheduler(0.5, 2)
	lr := 1e-3

	lr = s.Step(1.0, lr)
	assert.Equal(t, 1e-3, lr)
	lr = s.Step(1.0, lr)
	assert.Equal(t, 1e-3, lr)
	// Reduced as soon as bad epochs reach patience
	lr = s.Step(1.0, lr)
	assert.Equal(t, 5e-4, lr)
	assert.Equal(t, 1, s.Reductions())

	// Counter restarts after a reduction
	lr = s.Step(1.0, lr)
	assert.Equal(t, 5e-4, lr)

	// A real improvement resets the counter
	lr = s.Step(0.5, lr)
	lr = s.Step(0.5, lr)
	assert.Equal(t, 5e-4, lr)
}

func TestPlateauSchedulerIgnoresTinyImprovements(t *testing.T) {
	s := NewPlateauScheduler(0.5, 1)
	lr := s.Step(1.0, 1.0)
	lr = s.Step(0.99999, lr)
	assert.Equal(t, 0.5, lr)
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	p := NewParam("w", 2)
	p.Data[0], p.Data[1] = 1, -1
	p.Grad[0], p.Grad[1] = 2, -2

	opt := NewAdamOptimizer(0.1)
	opt.Step([]*Param{p})

	// The first Adam step moves each weight by about lr in the sign of -grad
	assert.InDelta(t, 0.9, float64(p.Data[0]), 1e-4)
	assert.InDelta(t, -0.9, float64(p.Data[1]), 1e-4)

	opt.SetLR(0.05)
	assert.Equal(t, 0.05, opt.LR())
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	p := NewParam("x", 1)
	p.Data[0] = 3
	opt := NewAdamOptimizer(0.1)
	for i := 0; i < 500; i++ {
		p.Grad[0] = 2 * (p.Data[0] - 1)
		opt.Step([]*Param{p})
	}
	assert.InDelta(t, 1.0, float64(p.Data[0]), 1e-2)
}

func TestSafetensorsRoundTrip(t *testing.T) {
	a := NewParam("layer.weight", 2, 3)
	b := NewParam("layer.bias", 3)
	for i := range a.Data {
		a.Data[i] = float32(i) * 0.5
	}
	b.Data[2] = float32(math.Pi)

	path := filepath.Join(t.TempDir(), "ckpt", "best.safetensors")
	require.NoError(t, SaveParams(path, []*Param{a, b}, map[string]string{"epoch": "4"}))

	a2 := NewParam("layer.weight", 2, 3)
	b2 := NewParam("layer.bias", 3)
	meta, err := LoadParams(path, []*Param{a2, b2})
	require.NoError(t, err)
	assert.Equal(t, a.Data, a2.Data)
	assert.Equal(t, b.Data, b2.Data)
	assert.Equal(t, "4", meta["epoch"])
}

func TestLoadParamsShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, SaveParams(path, []*Param{NewParam("w", 2, 2)}, nil))

	_, err := LoadParams(path, []*Param{NewParam("w", 4)})
	assert.ErrorContains(t, err, "shape")

	_, err = LoadParams(path, []*Param{NewParam("missing", 1)})
	assert.ErrorContains(t, err, "missing tensor")
}

func TestSaveParamsRejectsDuplicateNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	err := SaveParams(path, []*Param{NewParam("w", 1), NewParam("w", 1)}, nil)
	assert.Error(t, err)
}

func TestFloat16Decode(t *testing.T) {
	assert.Equal(t, float32(1.0), float16ToFloat32(0x3c00))
	assert.Equal(t, float32(-2.0), float16ToFloat32(0xc000))
	assert.Equal(t, float32(1.0), bfloat16ToFloat32(0x3f80))
}

func TestTensorStats(t *testing.T) {
	p := NewParam("fc.weight", 2, 2)
	copy(p.Data, []float32{-1, 0, 2, 3})
	copy(p.Grad, []float32{0.5, 0.5, 0.5, 0.5})

	w := WeightStats([]*Param{p})
	require.Len(t, w, 1)
	assert.Equal(t, "fc.weight", w[0].Name)
	assert.Equal(t, float32(1), w[0].Mean)
	assert.Equal(t, float32(3), w[0].Max)
	assert.Equal(t, float32(-1), w[0].Min)
	assert.Equal(t, 2, w[0].Active)
	assert.Equal(t, 4, w[0].Total)

	g := GradStats([]*Param{p})
	assert.Equal(t, "fc.weight.grad", g[0].Name)
	assert.Equal(t, float32(0.5), g[0].Mean)

	empty := computeTensorStats("none", nil)
	assert.Equal(t, 0, empty.Total)
}

func TestExtractBlueprint(t *testing.T) {
	params := []*Param{NewParam("fc.weight", 3, 2), NewParam("fc.bias", 2)}
	bp := ExtractBlueprint("MLP", params)
	assert.Equal(t, "MLP", bp.ID)
	assert.Equal(t, 2, bp.TotalTensors)
	assert.Equal(t, 8, bp.TotalParams)
	require.Len(t, bp.Tensors, 2)
	assert.Equal(t, []int{3, 2}, bp.Tensors[0].Shape)
	assert.Equal(t, 6, bp.Tensors[0].Parameters)
}
