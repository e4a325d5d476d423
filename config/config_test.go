package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/onset/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "./ckd_embeddings_100", cfg.Data.EmbeddingRoot)
	assert.Equal(t, "patient_embedding_metadata.csv", cfg.Data.MetadataFile)
	assert.Equal(t, 4, cfg.Data.ProgressionStage)
	assert.Equal(t, 10, cfg.Window.Size)
	assert.Equal(t, 768, cfg.Window.EmbedDim)
	assert.Equal(t, 50, cfg.Train.Epochs)
	assert.Equal(t, 64, cfg.Train.BatchSize)
	assert.InDelta(t, 5e-3, cfg.Train.LearningRate, 1e-12)
	assert.Equal(t, 5, cfg.Train.Patience)
	assert.Equal(t, 2, cfg.Train.SchedulerPatience)
	assert.Equal(t, int64(42), cfg.Train.Seed)
	assert.Equal(t, "gru", cfg.Model.RNNCell)
	assert.Equal(t, models.Names(), cfg.Model.Enabled)
	assert.Equal(t, "rk4", cfg.ODE.Solver)
	assert.Equal(t, "best_model", cfg.Output.ModelPrefix)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "training.log", cfg.Logging.File)
}

func TestLoadFlagsOverride(t *testing.T) {
	cfg, err := Load([]string{
		"--epochs", "3",
		"--lr", "0.01",
		"--models", "MLP,TCN",
		"--stage-backfill",
		"--rnn-cell", "elman",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.InDelta(t, 0.01, cfg.Train.LearningRate, 1e-12)
	assert.Equal(t, []string{"MLP", "TCN"}, cfg.Model.Enabled)
	assert.True(t, cfg.Data.StageBackfill)
	assert.Equal(t, "elman", cfg.Model.RNNCell)
	// untouched flags keep the defaults
	assert.Equal(t, 64, cfg.Train.BatchSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ONSET_TRAIN_BATCH_SIZE", "16")
	t.Setenv("ONSET_ODE_SOLVER", "none")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Train.BatchSize)
	assert.Equal(t, "none", cfg.ODE.Solver)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
window:
  size: 5
  embed_dim: 32
model:
  transformer_heads: 8
  enabled: [ImprovedLSTM, NeuralODE]
`), 0644))

	cfg, err := Load([]string{"--config", path, "--window", "7"})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Window.Size, "flags win over the file")
	assert.Equal(t, 32, cfg.Window.EmbedDim)
	assert.Equal(t, 8, cfg.Model.TransformerHeads)
	assert.Equal(t, []string{"ImprovedLSTM", "NeuralODE"}, cfg.Model.Enabled)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	assert.True(t, errors.Is(err, ErrHelp))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero window", func(c *Config) { c.Window.Size = 0 }, "window.size"},
		{"negative embed", func(c *Config) { c.Window.EmbedDim = -1 }, "window.embed_dim"},
		{"zero epochs", func(c *Config) { c.Train.Epochs = 0 }, "train.epochs"},
		{"zero batch", func(c *Config) { c.Train.BatchSize = 0 }, "train.batch_size"},
		{"test fraction one", func(c *Config) { c.Train.TestFraction = 1 }, "train.test_fraction"},
		{"val fraction zero", func(c *Config) { c.Train.ValFraction = 0 }, "train.val_fraction"},
		{"unknown model", func(c *Config) { c.Model.Enabled = []string{"GPT"} }, `unknown model "GPT"`},
		{"heads", func(c *Config) { c.Model.TransformerHeads = 5 }, "must divide"},
		{"rnn cell", func(c *Config) { c.Model.RNNCell = "lstm" }, "model.rnn_cell"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"accel", func(c *Config) { c.Accel.Mode = "tpu" }, "accel.mode"},
		{"ode solver", func(c *Config) { c.ODE.Solver = "rk5" }, "ode.solver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(nil)
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg, err := Load([]string{"--window", "4", "--embed-dim", "8", "--seed", "7", "--model-prefix", "ckpt/best"})
	require.NoError(t, err)

	spec := cfg.ModelSpec()
	assert.Equal(t, 4, spec.WindowSize)
	assert.Equal(t, 8, spec.EmbedDim)
	assert.Equal(t, int64(7), spec.Seed)
	assert.Equal(t, "gru", spec.RNNCell)

	h := cfg.Harness()
	assert.Equal(t, "ckpt/best_MLP.safetensors", h.CheckpointFile("MLP"))
	assert.Equal(t, 4, h.WindowSize)
	assert.Equal(t, 2, h.Prefetch)

	opts := cfg.Ingest()
	assert.Equal(t, 4, opts.ProgressionStage)

	js, err := cfg.JSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"embed_dim":8`)
}

func TestValidateAcceptsKnownSolvers(t *testing.T) {
	for _, solver := range []string{"rk4", "Euler", "none", "NONE"} {
		cfg, err := Load([]string{"--ode-solver", solver})
		require.NoError(t, err, solver)
		assert.NoError(t, cfg.Validate(), solver)
	}
}

func TestMetadataPath(t *testing.T) {
	cfg, err := Load([]string{"--embeddings", "/data/emb"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/emb", "patient_embedding_metadata.csv"), cfg.MetadataPath())

	abs := filepath.Join(t.TempDir(), "meta.csv")
	cfg.Data.MetadataFile = abs
	assert.Equal(t, abs, cfg.MetadataPath())
}

func TestNegotiate(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	cfg, err := Load([]string{"--accel", "cpu"})
	require.NoError(t, err)
	caps, rep, err := Negotiate(cfg, log)
	require.NoError(t, err)
	require.NotNil(t, caps.Solver)
	assert.Equal(t, "rk4(10)", caps.Solver.Name())
	assert.False(t, rep.Available)
	assert.True(t, models.Available(models.NeuralODE, caps))

	cfg, err = Load([]string{"--accel", "cpu", "--ode-solver", "none"})
	require.NoError(t, err)
	caps, _, err = Negotiate(cfg, log)
	require.NoError(t, err)
	assert.Nil(t, caps.Solver)
	assert.False(t, models.Available(models.NeuralODE, caps))
	assert.True(t, models.Available(models.MLP, caps))
}
