// Command onset trains every enabled scoring model on longitudinal CKD visit
// embeddings, evaluates the best checkpoint of each on held-out patients and
// reports how early each model detects progression onset.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/onset/cohort"
	"github.com/openfluke/onset/config"
	"github.com/openfluke/onset/harness"
	"github.com/openfluke/onset/logging"
	"github.com/openfluke/onset/report"
	"github.com/openfluke/onset/sequence"
	"github.com/openfluke/onset/store"
	"github.com/openfluke/onset/switches"
)

const (
	// switchPreview is how many per-patient switch rows are logged per model
	switchPreview = 10

	ensembleCoverage = 0.9
	ensemblePreview  = 3
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("Run failed")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	started := time.Now().UTC()
	logSettings(log, cfg.Settings())

	caps, accelReport, err := config.Negotiate(cfg, log)
	if err != nil {
		return err
	}

	// ==== Ingestion ====
	records, stats, err := cohort.LoadMetadata(cfg.MetadataPath(), cfg.Ingest())
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"rows_read":          stats.RowsRead,
		"unresolved_stage":   stats.UnresolvedStage,
		"backfilled":         stats.Backfilled,
		"last_visit_dropped": stats.LastVisitDropped,
		"missing_embedding":  stats.MissingEmbedding,
		"rows_kept":          stats.RowsKept,
		"patients":           stats.Patients,
	}).Info("Metadata loaded")
	if len(records) == 0 {
		return errors.New("no usable visits after ingestion")
	}

	cache := cohort.NewEmbeddingCache(nil)
	if err := cohort.AttachEmbeddings(ctx, records, cfg.Data.EmbeddingRoot, cache, cfg.Window.EmbedDim, cfg.Data.LoadWorkers); err != nil {
		return fmt.Errorf("loading embeddings: %w", err)
	}
	log.WithField("files", cache.Len()).Info("Embeddings loaded")

	// ==== Windows and split ====
	split, err := sequence.PartitionPatients(cohort.PatientIDs(records), cfg.Train.TestFraction, cfg.Train.ValFraction, cfg.Train.Seed)
	if err != nil {
		return err
	}
	train, val, test := split.Windows(records, cfg.Window.Size)
	for _, s := range []struct {
		name     string
		patients int
		windows  []sequence.Window
	}{
		{"train", len(split.Train), train},
		{"val", len(split.Val), val},
		{"test", len(split.Test), test},
	} {
		log.WithFields(logrus.Fields{
			"split":    s.name,
			"patients": s.patients,
			"windows":  len(s.windows),
			"positive": sequence.CountPositive(s.windows),
		}).Info("Split ready")
	}

	// ==== Persistence ====
	db, err := store.NewSQLiteStore(cfg.Output.ResultsDB)
	if err != nil {
		return err
	}
	defer db.Close()

	settingsJSON, err := cfg.JSON()
	if err != nil {
		return err
	}
	runID, err := db.BeginRun(ctx, settingsJSON, caps.Accelerator)
	if err != nil {
		return err
	}
	runLog := log.WithField("run", runID)

	// ==== Training ====
	hcfg := cfg.Harness()
	hcfg.Observer = &harness.LogObserver{Log: runLog}
	suite := harness.RunSuite(cfg.Model.Enabled, cfg.ModelSpec(), caps,
		harness.Windows{Train: train, Val: val, Test: test}, hcfg, runLog)

	rep := &report.RunReport{
		RunID:       runID,
		StartedAt:   started,
		Solver:      "none",
		Accelerator: accelReport,
		Config:      cfg.Settings(),
		Data: report.DataSummary{
			RowsRead:         stats.RowsRead,
			RowsKept:         stats.RowsKept,
			UnresolvedStage:  stats.UnresolvedStage,
			MissingEmbedding: stats.MissingEmbedding,
			Patients:         stats.Patients,
			TrainPatients:    len(split.Train),
			ValPatients:      len(split.Val),
			TestPatients:     len(split.Test),
			TrainWindows:     len(train),
			ValWindows:       len(val),
			TestWindows:      len(test),
		},
	}
	if caps.Solver != nil {
		rep.Solver = caps.Solver.Name()
	}

	for _, name := range cfg.Model.Enabled {
		entry := runLog.WithField("model", name)

		if reason, ok := suite.Skipped[name]; ok {
			rep.Models = append(rep.Models, report.Excluded(name, store.StatusSkipped, reason))
			if err := db.SaveStatus(ctx, runID, name, store.StatusSkipped, reason); err != nil {
				return err
			}
			continue
		}
		if ferr, ok := suite.Failed[name]; ok {
			rep.Models = append(rep.Models, report.Excluded(name, store.StatusFailed, ferr.Error()))
			if err := db.SaveStatus(ctx, runID, name, store.StatusFailed, ferr.Error()); err != nil {
				return err
			}
			continue
		}

		out := suite.Outcomes[name]
		analyses := switches.Analyze(out.Predictions)
		rep.Models = append(rep.Models, report.Trained(name, out, analyses))

		if err := db.SaveOutcome(ctx, runID, name, out); err != nil {
			return err
		}
		if err := db.SaveSwitchAnalyses(ctx, runID, name, analyses); err != nil {
			return err
		}
		stored, err := db.SwitchAnalyses(ctx, runID, name)
		if err != nil {
			return err
		}
		n, err := db.CountPredictions(ctx, runID, name)
		if err != nil {
			return err
		}
		entry.WithField("predictions", n).Infof("Switch analysis (first %d patients)\n%s", switchPreview, report.SwitchTable(stored, switchPreview))
	}

	rep.Ensembles = suite.ComplementaryPairs(ensembleCoverage)
	for i, m := range rep.Ensembles {
		if i == ensemblePreview {
			break
		}
		runLog.WithFields(logrus.Fields{
			"pair":     m.ModelA + "+" + m.ModelB,
			"coverage": fmt.Sprintf("%.4f", m.Coverage),
			"overlap":  fmt.Sprintf("%.4f", m.Overlap),
		}).Info("Complementary model pair")
	}

	runLog.Infof("Results summary\n%s", report.ResultsTable(suite.Results()))

	if err := db.FinishRun(ctx, runID); err != nil {
		return err
	}
	if err := checkPersisted(ctx, db, runID, suite, runLog); err != nil {
		return err
	}
	rep.FinishedAt = time.Now().UTC()
	if err := report.WriteYAML(cfg.Output.ReportFile, rep); err != nil {
		return err
	}
	runLog.WithFields(logrus.Fields{
		"db":      cfg.Output.ResultsDB,
		"report":  cfg.Output.ReportFile,
		"trained": len(suite.Order),
		"skipped": len(suite.Skipped),
		"failed":  len(suite.Failed),
	}).Info("Run complete")
	return nil
}

// logSettings logs every configuration key in sorted order
func logSettings(log logrus.FieldLogger, settings map[string]interface{}) {
	flat := make(map[string]interface{})
	flatten("", settings, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.WithField("value", flat[k]).Infof("config %s", k)
	}
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		if list, ok := v.([]string); ok {
			v = strings.Join(list, ",")
		}
		out[key] = v
	}
}

// checkPersisted reads the run's model rows back and warns when the trained
// rows disagree with the models that finished
func checkPersisted(ctx context.Context, db *store.SQLiteStore, runID string, suite *harness.SuiteResult, log logrus.FieldLogger) error {
	stored, err := db.Results(ctx, runID)
	if err != nil {
		return err
	}
	trained := 0
	for _, r := range stored {
		if r.Status == store.StatusTrained {
			trained++
		}
	}
	entry := log.WithFields(logrus.Fields{"rows": len(stored), "trained": trained})
	if trained != len(suite.Order) {
		entry.WithField("finished", len(suite.Order)).Warn("Stored results do not match finished models")
		return nil
	}
	entry.Info("Results persisted")
	return nil
}
