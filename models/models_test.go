package models

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/openfluke/onset/nn"
	"github.com/openfluke/onset/ode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallSpec() Spec {
	return Spec{
		WindowSize:         3,
		EmbedDim:           4,
		HiddenDim:          5,
		NumLayers:          2,
		Dropout:            0,
		RNNCell:            "gru",
		Heads:              2,
		FFDim:              6,
		TransformerDropout: 0,
		TCNKernel:          2,
		Seed:               1,
	}
}

func rk4Caps(t *testing.T) Capabilities {
	solver, ok := ode.Lookup("rk4", 4)
	require.True(t, ok)
	return Capabilities{Solver: solver}
}

func randomInput(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(rng.NormFloat64() * 0.5)
	}
	return x
}

// lossOf evaluates sum(w * logits) in inference mode
func lossOf(m ScoringModel, x []float32, batch int, w []float32) float64 {
	logits, _ := m.Forward(x, batch, false)
	s := 0.0
	for i := range logits {
		s += float64(logits[i]) * float64(w[i])
	}
	return s
}

// checkModelGradients spot-checks parameter and input gradients against central differences
func checkModelGradients(t *testing.T, m ScoringModel, batch int, spec Spec) {
	t.Helper()
	x := randomInput(batch*spec.WindowSize*spec.EmbedDim, 5)
	w := randomInput(batch*NumClasses, 6)

	nn.ZeroGrads(m.Params())
	_, back := m.Forward(x, batch, false)
	gx := back(w)
	require.Len(t, gx, len(x))

	const eps = 3e-3
	numeric := func(v []float32, i int) float64 {
		orig := v[i]
		v[i] = orig + eps
		lp := lossOf(m, x, batch, w)
		v[i] = orig - eps
		lm := lossOf(m, x, batch, w)
		v[i] = orig
		return (lp - lm) / (2 * eps)
	}
	tol := func(want float64) float64 { return 1e-2 + 5e-2*math.Abs(want) }

	for i := 0; i < len(x); i += 3 {
		want := numeric(x, i)
		assert.InDelta(t, want, float64(gx[i]), tol(want), "input[%d]", i)
	}
	for _, p := range m.Params() {
		analytic := append([]float32(nil), p.Grad...)
		step := p.Size()/4 + 1
		for i := 0; i < p.Size(); i += step {
			want := numeric(p.Data, i)
			assert.InDelta(t, want, float64(analytic[i]), tol(want), "%s[%d]", p.Name, i)
		}
	}
}

func TestModelsProduceLogitsAndGradients(t *testing.T) {
	caps := rk4Caps(t)
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			spec := smallSpec()
			m, err := Build(name, spec, caps)
			require.NoError(t, err)
			assert.Equal(t, name, m.Name())

			logits, _ := m.Forward(randomInput(2*3*4, 1), 2, true)
			assert.Len(t, logits, 2*NumClasses)
			for _, v := range logits {
				assert.False(t, math.IsNaN(float64(v)))
			}
			checkModelGradients(t, m, 2, spec)
		})
	}
}

func TestRecurrentVariants(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cell  string
		bidir bool
	}{
		{ImprovedRNN, "elman", false},
		{ImprovedRNN, "gru", true},
		{ImprovedLSTM, "", true},
	} {
		spec := smallSpec()
		spec.RNNCell = tc.cell
		spec.Bidirectional = tc.bidir
		m, err := Build(tc.name, spec, Capabilities{})
		require.NoError(t, err)
		checkModelGradients(t, m, 2, spec)
	}

	spec := smallSpec()
	spec.RNNCell = "mamba"
	_, err := Build(ImprovedRNN, spec, Capabilities{})
	assert.Error(t, err)
}

func TestBidirectionalClassifierWidth(t *testing.T) {
	spec := smallSpec()
	spec.Bidirectional = true
	m, err := NewRecurrentModel(ImprovedLSTM, spec)
	require.NoError(t, err)
	assert.Equal(t, []int{2 * spec.HiddenDim, NumClasses}, m.classifier.Weight.Shape)
}

func TestNeuralODERequiresSolver(t *testing.T) {
	assert.False(t, Available(NeuralODE, Capabilities{}))
	assert.True(t, Available(NeuralODE, rk4Caps(t)))
	assert.True(t, Available(MLP, Capabilities{}))
	assert.False(t, Available("GPT", Capabilities{}))

	_, err := Build(NeuralODE, smallSpec(), Capabilities{})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestBuildValidation(t *testing.T) {
	_, err := Build("GPT", smallSpec(), Capabilities{})
	assert.ErrorContains(t, err, "unknown model")

	spec := smallSpec()
	spec.Heads = 3
	_, err = Build(ImprovedTransformer, spec, Capabilities{})
	assert.ErrorContains(t, err, "divisible")

	spec = smallSpec()
	spec.WindowSize = 0
	_, err = Build(MLP, spec, Capabilities{})
	assert.Error(t, err)
}

func TestDropoutOnlyInTraining(t *testing.T) {
	spec := smallSpec()
	spec.Dropout = 0.5
	m, err := Build(MLP, spec, Capabilities{})
	require.NoError(t, err)

	x := randomInput(2*3*4, 9)
	a, _ := m.Forward(x, 2, false)
	b, _ := m.Forward(x, 2, false)
	assert.Equal(t, a, b)
}

func TestBuildIsSeeded(t *testing.T) {
	a, err := Build(TCN, smallSpec(), Capabilities{})
	require.NoError(t, err)
	b, err := Build(TCN, smallSpec(), Capabilities{})
	require.NoError(t, err)
	for i, p := range a.Params() {
		assert.Equal(t, p.Data, b.Params()[i].Data)
	}
}

func TestTCNBatchNormState(t *testing.T) {
	spec := smallSpec()
	m, err := Build(TCN, spec, Capabilities{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, p := range m.Params() {
		names[p.Name] = true
	}
	assert.True(t, names["network.0.bn1.weight"])
	assert.True(t, names["network.1.bn2.bias"])
	assert.False(t, names["network.0.bn1.running_mean"])

	tcn := m.(*TCNModel)
	buffers := tcn.Buffers()
	require.Len(t, buffers, 4*spec.NumLayers)
	assert.Equal(t, "network.0.bn1.running_mean", buffers[0].Name)
	assert.Len(t, State(m), len(m.Params())+len(buffers))

	snapshot := func() [][]float32 {
		out := make([][]float32, len(buffers))
		for i, b := range buffers {
			out[i] = append([]float32(nil), b.Data...)
		}
		return out
	}
	x := randomInput(2*spec.WindowSize*spec.EmbedDim, 11)

	before := snapshot()
	m.Forward(x, 2, false)
	assert.Equal(t, before, snapshot())

	m.Forward(x, 2, true)
	trained := snapshot()
	assert.NotEqual(t, before, trained)

	// Running statistics travel with the checkpoint
	path := filepath.Join(t.TempDir(), "tcn.safetensors")
	require.NoError(t, nn.SaveParams(path, State(m), nil))
	fresh, err := Build(TCN, spec, Capabilities{})
	require.NoError(t, err)
	_, err = nn.LoadParams(path, State(fresh))
	require.NoError(t, err)
	for i, b := range fresh.(*TCNModel).Buffers() {
		assert.Equal(t, trained[i], b.Data, b.Name)
	}

	a, _ := m.Forward(x, 2, false)
	b, _ := fresh.Forward(x, 2, false)
	assert.Equal(t, a, b)
}

func TestTransposeRoundTrip(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5, 6}
	y := transpose(x, 1, 2, 3)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y)
	assert.Equal(t, x, transpose(y, 1, 3, 2))
}
