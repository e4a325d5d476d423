// Package config loads run settings from defaults, an optional YAML file,
// ONSET_* environment variables and command-line flags, in increasing priority.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openfluke/onset/accel"
	"github.com/openfluke/onset/cohort"
	"github.com/openfluke/onset/harness"
	"github.com/openfluke/onset/models"
	"github.com/openfluke/onset/ode"
)

// ErrHelp is returned by Load when --help was requested
var ErrHelp = pflag.ErrHelp

type DataConfig struct {
	EmbeddingRoot    string `mapstructure:"embedding_root"`
	MetadataFile     string `mapstructure:"metadata_file"`
	MaxPatients      int    `mapstructure:"max_patients"`
	ProgressionStage int    `mapstructure:"progression_stage"`
	StageBackfill    bool   `mapstructure:"stage_backfill"`
	LoadWorkers      int    `mapstructure:"load_workers"`
}

type WindowConfig struct {
	Size     int `mapstructure:"size"`
	EmbedDim int `mapstructure:"embed_dim"`
}

type TrainConfig struct {
	Epochs            int     `mapstructure:"epochs"`
	BatchSize         int     `mapstructure:"batch_size"`
	LearningRate      float64 `mapstructure:"learning_rate"`
	Patience          int     `mapstructure:"patience"`
	SchedulerPatience int     `mapstructure:"scheduler_patience"`
	Seed              int64   `mapstructure:"seed"`
	TestFraction      float64 `mapstructure:"test_fraction"`
	ValFraction       float64 `mapstructure:"val_fraction"`
	Prefetch          int     `mapstructure:"prefetch"`
}

type ModelConfig struct {
	HiddenDim          int      `mapstructure:"hidden_dim"`
	NumLayers          int      `mapstructure:"num_layers"`
	RNNDropout         float64  `mapstructure:"rnn_dropout"`
	RNNBidir           bool     `mapstructure:"rnn_bidir"`
	RNNCell            string   `mapstructure:"rnn_cell"`
	TransformerHeads   int      `mapstructure:"transformer_heads"`
	TransformerFFDim   int      `mapstructure:"transformer_ff_dim"`
	TransformerDropout float64  `mapstructure:"transformer_dropout"`
	TCNKernel          int      `mapstructure:"tcn_kernel"`
	Enabled            []string `mapstructure:"enabled"`
}

type ODEConfig struct {
	Solver string `mapstructure:"solver"`
	Steps  int    `mapstructure:"steps"`
}

type AccelConfig struct {
	Mode string `mapstructure:"mode"`
}

type OutputConfig struct {
	ModelPrefix string `mapstructure:"model_prefix"`
	ResultsDB   string `mapstructure:"results_db"`
	ReportFile  string `mapstructure:"report_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config is the complete, validated run configuration
type Config struct {
	Data    DataConfig    `mapstructure:"data"`
	Window  WindowConfig  `mapstructure:"window"`
	Train   TrainConfig   `mapstructure:"train"`
	Model   ModelConfig   `mapstructure:"model"`
	ODE     ODEConfig     `mapstructure:"ode"`
	Accel   AccelConfig   `mapstructure:"accel"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`

	settings map[string]interface{}
}

func setDefaults(v *viper.Viper) {
	// Data
	v.SetDefault("data.embedding_root", "./ckd_embeddings_100")
	v.SetDefault("data.metadata_file", "patient_embedding_metadata.csv")
	v.SetDefault("data.max_patients", 0)
	v.SetDefault("data.progression_stage", 4)
	v.SetDefault("data.stage_backfill", false)
	v.SetDefault("data.load_workers", 8)

	// Windows
	v.SetDefault("window.size", 10)
	v.SetDefault("window.embed_dim", 768)

	// Training
	v.SetDefault("train.epochs", 50)
	v.SetDefault("train.batch_size", 64)
	v.SetDefault("train.learning_rate", 5e-3)
	v.SetDefault("train.patience", 5)
	v.SetDefault("train.scheduler_patience", 2)
	v.SetDefault("train.seed", 42)
	v.SetDefault("train.test_fraction", 0.2)
	v.SetDefault("train.val_fraction", 0.1)
	v.SetDefault("train.prefetch", 2)

	// Models
	v.SetDefault("model.hidden_dim", 128)
	v.SetDefault("model.num_layers", 2)
	v.SetDefault("model.rnn_dropout", 0.2)
	v.SetDefault("model.rnn_bidir", false)
	v.SetDefault("model.rnn_cell", "gru")
	v.SetDefault("model.transformer_heads", 4)
	v.SetDefault("model.transformer_ff_dim", 256)
	v.SetDefault("model.transformer_dropout", 0.2)
	v.SetDefault("model.tcn_kernel", 3)
	v.SetDefault("model.enabled", models.Names())

	v.SetDefault("ode.solver", "rk4")
	v.SetDefault("ode.steps", 10)
	v.SetDefault("accel.mode", accel.ModeAuto)

	// Output
	v.SetDefault("output.model_prefix", "best_model")
	v.SetDefault("output.results_db", "results.db")
	v.SetDefault("output.report_file", "run_report.yaml")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "training.log")
}

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"metadata":       "data.metadata_file",
	"embeddings":     "data.embedding_root",
	"max-patients":   "data.max_patients",
	"stage-backfill": "data.stage_backfill",
	"window":         "window.size",
	"embed-dim":      "window.embed_dim",
	"epochs":         "train.epochs",
	"batch-size":     "train.batch_size",
	"lr":             "train.learning_rate",
	"seed":           "train.seed",
	"models":         "model.enabled",
	"rnn-cell":       "model.rnn_cell",
	"ode-solver":     "ode.solver",
	"accel":          "accel.mode",
	"model-prefix":   "output.model_prefix",
	"results-db":     "output.results_db",
	"report":         "output.report_file",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
	"log-file":       "logging.file",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("onset", pflag.ContinueOnError)
	fs.String("config", "", "YAML configuration file")
	fs.String("metadata", "", "visit metadata CSV")
	fs.String("embeddings", "", "directory holding the per-visit embedding files")
	fs.Int("max-patients", 0, "keep only the first N patients (0 keeps all)")
	fs.Bool("stage-backfill", false, "fill unresolved stages from the next resolved visit")
	fs.Int("window", 0, "context window size")
	fs.Int("embed-dim", 0, "embedding dimension")
	fs.Int("epochs", 0, "maximum training epochs")
	fs.Int("batch-size", 0, "batch size")
	fs.Float64("lr", 0, "initial learning rate")
	fs.Int64("seed", 0, "random seed for splits, shuffling and initialization")
	fs.StringSlice("models", nil, "models to train, in order")
	fs.String("rnn-cell", "", "recurrent cell of ImprovedRNN (gru or elman)")
	fs.String("ode-solver", "", "ODE solver for NeuralODE (rk4, euler or none)")
	fs.String("accel", "", "accelerator probe mode (auto or cpu)")
	fs.String("model-prefix", "", "checkpoint file prefix")
	fs.String("results-db", "", "SQLite results database")
	fs.String("report", "", "YAML run report path")
	fs.String("log-level", "", "log level")
	fs.String("log-format", "", "log format (text or json)")
	fs.String("log-file", "", "run log file")
	return fs
}

// Load parses args (without the program name) and returns a validated Config
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix("ONSET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Window.Size > 0, "window.size must be positive, got %d", c.Window.Size)
	check(c.Window.EmbedDim > 0, "window.embed_dim must be positive, got %d", c.Window.EmbedDim)
	check(c.Train.Epochs > 0, "train.epochs must be positive, got %d", c.Train.Epochs)
	check(c.Train.BatchSize > 0, "train.batch_size must be positive, got %d", c.Train.BatchSize)
	check(c.Train.LearningRate > 0, "train.learning_rate must be positive, got %v", c.Train.LearningRate)
	check(c.Train.Patience > 0, "train.patience must be positive, got %d", c.Train.Patience)
	check(c.Train.SchedulerPatience > 0, "train.scheduler_patience must be positive, got %d", c.Train.SchedulerPatience)
	check(c.Train.TestFraction > 0 && c.Train.TestFraction < 1, "train.test_fraction must be in (0,1), got %v", c.Train.TestFraction)
	check(c.Train.ValFraction > 0 && c.Train.ValFraction < 1, "train.val_fraction must be in (0,1), got %v", c.Train.ValFraction)
	check(c.Data.MaxPatients >= 0, "data.max_patients must not be negative, got %d", c.Data.MaxPatients)
	check(c.Data.LoadWorkers > 0, "data.load_workers must be positive, got %d", c.Data.LoadWorkers)
	check(c.Model.HiddenDim > 0 && c.Model.NumLayers > 0, "model.hidden_dim and model.num_layers must be positive")
	check(c.Model.TransformerHeads > 0 && c.Window.EmbedDim%c.Model.TransformerHeads == 0,
		"model.transformer_heads (%d) must divide window.embed_dim (%d)", c.Model.TransformerHeads, c.Window.EmbedDim)
	check(c.Model.RNNCell == "gru" || c.Model.RNNCell == "elman", "model.rnn_cell must be gru or elman, got %q", c.Model.RNNCell)
	check(len(c.Model.Enabled) > 0, "model.enabled must name at least one model")
	for _, name := range c.Model.Enabled {
		check(models.Known(name), "unknown model %q", name)
	}
	check(c.Output.ModelPrefix != "", "output.model_prefix is required")
	_, known := ode.Lookup(c.ODE.Solver, c.ODE.Steps)
	check(known || strings.EqualFold(c.ODE.Solver, "none"), "ode.solver must be rk4, euler or none, got %q", c.ODE.Solver)
	check(c.Accel.Mode == accel.ModeAuto || c.Accel.Mode == accel.ModeCPU, "accel.mode must be auto or cpu, got %q", c.Accel.Mode)

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.Logging.Level))
	}
	check(c.Logging.Format == "text" || c.Logging.Format == "json", "logging.format must be text or json, got %q", c.Logging.Format)

	return errors.Join(errs...)
}

// Settings returns the merged key/value view used for logging and reports
func (c *Config) Settings() map[string]interface{} {
	return c.settings
}

// JSON renders the merged settings for persistence
func (c *Config) JSON() (string, error) {
	data, err := json.Marshal(c.settings)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	return string(data), nil
}

// MetadataPath resolves a relative data.metadata_file inside data.embedding_root
func (c *Config) MetadataPath() string {
	if filepath.IsAbs(c.Data.MetadataFile) {
		return c.Data.MetadataFile
	}
	return filepath.Join(c.Data.EmbeddingRoot, c.Data.MetadataFile)
}

// Ingest returns the metadata ingestion options
func (c *Config) Ingest() cohort.IngestOptions {
	return cohort.IngestOptions{
		EmbeddingRoot:    c.Data.EmbeddingRoot,
		ProgressionStage: c.Data.ProgressionStage,
		StageBackfill:    c.Data.StageBackfill,
		MaxPatients:      c.Data.MaxPatients,
	}
}

// ModelSpec returns the architecture settings shared by every model
func (c *Config) ModelSpec() models.Spec {
	return models.Spec{
		WindowSize:         c.Window.Size,
		EmbedDim:           c.Window.EmbedDim,
		HiddenDim:          c.Model.HiddenDim,
		NumLayers:          c.Model.NumLayers,
		Dropout:            c.Model.RNNDropout,
		Bidirectional:      c.Model.RNNBidir,
		RNNCell:            c.Model.RNNCell,
		Heads:              c.Model.TransformerHeads,
		FFDim:              c.Model.TransformerFFDim,
		TransformerDropout: c.Model.TransformerDropout,
		TCNKernel:          c.Model.TCNKernel,
		Seed:               c.Train.Seed,
	}
}

// Harness returns the training loop settings
func (c *Config) Harness() harness.Config {
	return harness.Config{
		Epochs:            c.Train.Epochs,
		BatchSize:         c.Train.BatchSize,
		LearningRate:      c.Train.LearningRate,
		Patience:          c.Train.Patience,
		SchedulerPatience: c.Train.SchedulerPatience,
		CheckpointPrefix:  c.Output.ModelPrefix,
		WindowSize:        c.Window.Size,
		EmbedDim:          c.Window.EmbedDim,
		Prefetch:          c.Train.Prefetch,
		Seed:              c.Train.Seed,
	}
}

// Negotiate resolves the run's capabilities once at startup
func Negotiate(c *Config, log logrus.FieldLogger) (models.Capabilities, accel.Report, error) {
	rep, err := accel.Probe(c.Accel.Mode)
	if err != nil {
		return models.Capabilities{}, rep, err
	}
	caps := models.Capabilities{Accelerator: rep.String()}

	solver, ok := ode.Lookup(c.ODE.Solver, c.ODE.Steps)
	if ok {
		caps.Solver = solver
	}

	fields := logrus.Fields{"accelerator": caps.Accelerator}
	if caps.Solver != nil {
		fields["ode_solver"] = caps.Solver.Name()
	} else {
		fields["ode_solver"] = "none"
	}
	log.WithFields(fields).Info("Capabilities negotiated")
	return caps, rep, nil
}
