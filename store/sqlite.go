// Package store persists run results in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/openfluke/onset/harness"
	"github.com/openfluke/onset/switches"
)

// Model status values
const (
	StatusTrained = "trained"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// SQLiteStore records runs, model results, epoch history, switch predictions
// and switch analyses.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database at dbPath and its schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		config TEXT NOT NULL DEFAULT '{}',
		accelerator TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS model_results (
		run_id TEXT NOT NULL REFERENCES runs(id),
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT DEFAULT '',
		accuracy REAL,
		f1 REAL,
		precision_score REAL,
		recall REAL,
		auroc REAL,
		auprc REAL,
		support INTEGER DEFAULT 0,
		positives INTEGER DEFAULT 0,
		best_epoch INTEGER DEFAULT 0,
		best_val_loss REAL,
		stopped_early INTEGER DEFAULT 0,
		checkpoint TEXT DEFAULT '',
		PRIMARY KEY (run_id, model)
	);

	CREATE TABLE IF NOT EXISTS epoch_history (
		run_id TEXT NOT NULL REFERENCES runs(id),
		model TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		train_loss REAL,
		val_loss REAL,
		lr REAL,
		grad_norm REAL,
		improved INTEGER DEFAULT 0,
		PRIMARY KEY (run_id, model, epoch)
	);

	CREATE TABLE IF NOT EXISTS switch_predictions (
		run_id TEXT NOT NULL REFERENCES runs(id),
		model TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		local_index INTEGER NOT NULL,
		true_label INTEGER NOT NULL,
		pred_label INTEGER NOT NULL,
		score REAL
	);

	CREATE TABLE IF NOT EXISTS switch_analyses (
		run_id TEXT NOT NULL REFERENCES runs(id),
		model TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		true_switch_index INTEGER,
		pred_switch_index INTEGER,
		switch_difference INTEGER,
		PRIMARY KEY (run_id, model, patient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_model ON switch_predictions(run_id, model);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginRun records a new run and returns its id
func (s *SQLiteStore) BeginRun(ctx context.Context, configJSON, accelerator string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, started_at, config, accelerator) VALUES (?, ?, ?, ?)",
		id, time.Now().UTC(), configJSON, accelerator,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run as finished
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE runs SET finished_at = ? WHERE id = ?", time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// SaveOutcome stores the result, epoch history and predictions of a trained model
func (s *SQLiteStore) SaveOutcome(ctx context.Context, runID, model string, out *harness.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r := out.Result
	detail := ""
	if r.RankingErr != nil {
		detail = r.RankingErr.Error()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO model_results (
			run_id, model, status, detail, accuracy, f1, precision_score, recall, auroc, auprc,
			support, positives, best_epoch, best_val_loss, stopped_early, checkpoint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, model, StatusTrained, detail,
		nullFloat(r.Accuracy), nullFloat(r.F1), nullFloat(r.Precision), nullFloat(r.Recall),
		nullFloat(r.AUROC), nullFloat(r.AUPRC),
		r.Support, r.Positives, out.BestEpoch, nullFloat(out.BestValLoss), out.StoppedEarly, out.Checkpoint,
	)
	if err != nil {
		return fmt.Errorf("failed to insert model result: %w", err)
	}

	for _, h := range out.History {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO epoch_history (run_id, model, epoch, train_loss, val_loss, lr, grad_norm, improved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, model, h.Epoch, nullFloat(h.TrainLoss), nullFloat(h.ValLoss), h.LR, nullFloat(h.GradNorm), h.Improved)
		if err != nil {
			return fmt.Errorf("failed to insert epoch %d: %w", h.Epoch, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO switch_predictions (run_id, model, patient_id, local_index, true_label, pred_label, score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare prediction insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range out.Predictions {
		if _, err := stmt.ExecContext(ctx, runID, model, p.PatientID, p.LocalIndex, p.TrueLabel, p.PredLabel, p.Score); err != nil {
			return fmt.Errorf("failed to insert prediction: %w", err)
		}
	}

	return tx.Commit()
}

// SaveStatus records a model that was skipped or failed
func (s *SQLiteStore) SaveStatus(ctx context.Context, runID, model, status, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO model_results (run_id, model, status, detail) VALUES (?, ?, ?, ?)",
		runID, model, status, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert model status: %w", err)
	}
	return nil
}

// SaveSwitchAnalyses stores the per-patient switch analysis of one model
func (s *SQLiteStore) SaveSwitchAnalyses(ctx context.Context, runID, model string, analyses []switches.PatientSwitchAnalysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range analyses {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO switch_analyses (run_id, model, patient_id, true_switch_index, pred_switch_index, switch_difference)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, model, a.PatientID, nullInt(a.TrueSwitchIndex), nullInt(a.PredSwitchIndex), nullInt(a.SwitchDifference))
		if err != nil {
			return fmt.Errorf("failed to insert switch analysis for %s: %w", a.PatientID, err)
		}
	}
	return tx.Commit()
}

// StoredResult is a model_results row
type StoredResult struct {
	harness.ModelResult
	Status       string
	Detail       string
	BestEpoch    int
	StoppedEarly bool
}

// Results returns the model rows of a run in insertion order
func (s *SQLiteStore) Results(ctx context.Context, runID string) ([]StoredResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, status, detail, accuracy, f1, precision_score, recall, auroc, auprc,
			support, positives, best_epoch, stopped_early
		FROM model_results WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var r StoredResult
		var acc, f1, prec, rec, auroc, auprc sql.NullFloat64
		var support, positives, bestEpoch sql.NullInt64
		var stopped sql.NullBool
		if err := rows.Scan(&r.Model, &r.Status, &r.Detail, &acc, &f1, &prec, &rec, &auroc, &auprc,
			&support, &positives, &bestEpoch, &stopped); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Accuracy, r.F1, r.Precision, r.Recall = floatOrNaN(acc), floatOrNaN(f1), floatOrNaN(prec), floatOrNaN(rec)
		r.AUROC, r.AUPRC = floatOrNaN(auroc), floatOrNaN(auprc)
		r.Support, r.Positives, r.BestEpoch = int(support.Int64), int(positives.Int64), int(bestEpoch.Int64)
		r.StoppedEarly = stopped.Bool
		out = append(out, r)
	}
	return out, rows.Err()
}

// SwitchAnalyses loads the stored switch analysis of one model, ordered by patient
func (s *SQLiteStore) SwitchAnalyses(ctx context.Context, runID, model string) ([]switches.PatientSwitchAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_id, true_switch_index, pred_switch_index, switch_difference
		FROM switch_analyses WHERE run_id = ? AND model = ? ORDER BY patient_id
	`, runID, model)
	if err != nil {
		return nil, fmt.Errorf("failed to query switch analyses: %w", err)
	}
	defer rows.Close()

	var out []switches.PatientSwitchAnalysis
	for rows.Next() {
		var a switches.PatientSwitchAnalysis
		var t, p, d sql.NullInt64
		if err := rows.Scan(&a.PatientID, &t, &p, &d); err != nil {
			return nil, fmt.Errorf("failed to scan switch analysis: %w", err)
		}
		a.TrueSwitchIndex, a.PredSwitchIndex, a.SwitchDifference = intOrNil(t), intOrNil(p), intOrNil(d)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountPredictions returns how many predictions were stored for a model
func (s *SQLiteStore) CountPredictions(ctx context.Context, runID, model string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM switch_predictions WHERE run_id = ? AND model = ?", runID, model,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return n, nil
}

// nullFloat stores NaN and infinities as NULL
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intOrNil(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
