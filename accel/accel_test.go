package accel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubDetect(t *testing.T, fn func() (*Report, error)) {
	t.Helper()
	orig := detect
	detect = fn
	t.Cleanup(func() { detect = orig })
}

func TestProbeCPUSkipsDetection(t *testing.T) {
	stubDetect(t, func() (*Report, error) {
		t.Fatal("detector must not run in cpu mode")
		return nil, nil
	})
	rep, err := Probe("CPU")
	require.NoError(t, err)
	assert.False(t, rep.Available)
	assert.Equal(t, "cpu", rep.Backend)
	assert.Equal(t, "cpu (probe disabled)", rep.String())
}

func TestProbeAutoFallsBack(t *testing.T) {
	stubDetect(t, func() (*Report, error) { return nil, errors.New("no adapter") })
	rep, err := Probe("auto")
	require.NoError(t, err)
	assert.False(t, rep.Available)
	assert.Equal(t, "no adapter", rep.Reason)
}

func TestProbeAutoReportsAdapter(t *testing.T) {
	stubDetect(t, func() (*Report, error) {
		return &Report{Backend: "Vulkan", AdapterType: "DiscreteGPU", Name: "Test GPU", Driver: "1.0"}, nil
	})
	rep, err := Probe("")
	require.NoError(t, err)
	assert.True(t, rep.Available)
	assert.Equal(t, ModeAuto, rep.Mode)
	assert.Equal(t, "native", rep.Runtime)
	assert.Equal(t, "Test GPU 1.0 [Vulkan, DiscreteGPU]", rep.String())
}

func TestProbeUnknownMode(t *testing.T) {
	_, err := Probe("tpu")
	assert.Error(t, err)
}
