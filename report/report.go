// Package report renders run summaries: a YAML file for later inspection and
// plain-text tables for the console log.
package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/onset/accel"
	"github.com/openfluke/onset/harness"
	"github.com/openfluke/onset/switches"
)

// DataSummary describes the cohort that fed the run
type DataSummary struct {
	RowsRead         int `yaml:"rows_read"`
	RowsKept         int `yaml:"rows_kept"`
	UnresolvedStage  int `yaml:"unresolved_stage"`
	MissingEmbedding int `yaml:"missing_embedding"`
	Patients         int `yaml:"patients"`
	TrainPatients    int `yaml:"train_patients"`
	ValPatients      int `yaml:"val_patients"`
	TestPatients     int `yaml:"test_patients"`
	TrainWindows     int `yaml:"train_windows"`
	ValWindows       int `yaml:"val_windows"`
	TestWindows      int `yaml:"test_windows"`
}

// ModelReport is the per-model section of the run report
type ModelReport struct {
	Name         string               `yaml:"name"`
	Status       string               `yaml:"status"`
	Detail       string               `yaml:"detail,omitempty"`
	Result       *harness.ModelResult `yaml:"result,omitempty"`
	BestEpoch    int                  `yaml:"best_epoch,omitempty"`
	BestValLoss  float64              `yaml:"best_val_loss,omitempty"`
	StoppedEarly bool                 `yaml:"stopped_early,omitempty"`
	Checkpoint   string               `yaml:"checkpoint,omitempty"`
	Parameters   int                  `yaml:"parameters,omitempty"`
	LRReductions int                  `yaml:"lr_reductions,omitempty"`
	Duration     string               `yaml:"duration,omitempty"`
	Switches     *switches.Summary    `yaml:"switches,omitempty"`
	History      []harness.EpochStats `yaml:"history,omitempty"`
}

// RunReport is the document written at the end of a run
type RunReport struct {
	RunID       string                  `yaml:"run_id"`
	StartedAt   time.Time               `yaml:"started_at"`
	FinishedAt  time.Time               `yaml:"finished_at"`
	Solver      string                  `yaml:"solver"`
	Accelerator accel.Report            `yaml:"accelerator"`
	Config      map[string]interface{}  `yaml:"config,omitempty"`
	Data        DataSummary             `yaml:"data"`
	Models      []ModelReport           `yaml:"models"`
	Ensembles   []harness.EnsembleMatch `yaml:"ensembles,omitempty"`
}

// Trained builds the section of a model that finished training
func Trained(name string, out *harness.Outcome, analyses []switches.PatientSwitchAnalysis) ModelReport {
	res := out.Result
	sum := switches.Summarize(analyses)
	return ModelReport{
		Name:         name,
		Status:       "trained",
		Result:       &res,
		BestEpoch:    out.BestEpoch,
		BestValLoss:  out.BestValLoss,
		StoppedEarly: out.StoppedEarly,
		Checkpoint:   out.Checkpoint,
		Parameters:   out.Blueprint.TotalParams,
		LRReductions: out.LRReductions,
		Duration:     out.Duration.Round(time.Millisecond).String(),
		Switches:     &sum,
		History:      out.History,
	}
}

// Excluded builds the section of a model that was skipped or failed
func Excluded(name, status, detail string) ModelReport {
	return ModelReport{Name: name, Status: status, Detail: detail}
}

// WriteYAML writes the report to path, creating parent directories
func WriteYAML(path string, r *RunReport) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// readYAML loads a report written by WriteYAML
func readYAML(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r RunReport
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &r, nil
}

func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatIndex(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
