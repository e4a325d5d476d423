package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Column names expected in the metadata CSV
const (
	ColPatientID     = "PatientID"
	ColEventDate     = "EventDate"
	ColStage         = "CKD_stage"
	ColEmbeddingFile = "embedding_file"
)

// IngestOptions controls how raw metadata rows become visit records
type IngestOptions struct {
	EmbeddingRoot    string
	ProgressionStage int  // stage at or above which a visit is labelled progressed
	StageBackfill    bool // fill unresolved stages from the next resolved visit of the same patient
	MaxPatients      int  // keep the first N patient ids in sorted order; 0 keeps all

	// Exists reports whether an embedding file is present. Defaults to os.Stat.
	Exists func(path string) bool
}

// IngestStats counts what happened to the raw rows
type IngestStats struct {
	RowsRead          int
	UnresolvedStage   int
	Backfilled        int
	LastVisitDropped  int
	MissingEmbedding  int
	PatientsTruncated int
	RowsKept          int
	Patients          int
}

type rawRow struct {
	rec      VisitRecord
	stage    int
	resolved bool
}

// LoadMetadata reads the metadata CSV at path
func LoadMetadata(path string, opts IngestOptions) ([]VisitRecord, IngestStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, IngestStats{}, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	return ReadMetadata(f, opts)
}

// ReadMetadata parses metadata rows from r and derives the progression labels.
// Records are returned grouped by patient id and in chronological order.
func ReadMetadata(r io.Reader, opts IngestOptions) ([]VisitRecord, IngestStats, error) {
	var stats IngestStats
	if opts.Exists == nil {
		opts.Exists = fileExists
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, stats, fmt.Errorf("read metadata header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return nil, stats, err
	}

	var rows []rawRow
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read metadata row %d: %w", stats.RowsRead+1, err)
		}
		stats.RowsRead++

		row := rawRow{rec: NewVisitRecord(field(fields, cols[ColPatientID]), field(fields, cols[ColEventDate]))}
		row.rec.EmbeddingFile = field(fields, cols[ColEmbeddingFile])
		row.stage, row.resolved = ParseStage(field(fields, cols[ColStage]))
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].rec.PatientID != rows[j].rec.PatientID {
			return rows[i].rec.PatientID < rows[j].rec.PatientID
		}
		return rows[i].rec.Before(rows[j].rec)
	})

	if opts.StageBackfill {
		stats.Backfilled = backfillStages(rows)
	}

	resolved := rows[:0]
	for _, row := range rows {
		if !row.resolved {
			stats.UnresolvedStage++
			continue
		}
		row.rec.Stage = row.stage
		if row.stage >= opts.ProgressionStage {
			row.rec.Label = 1
		}
		resolved = append(resolved, row)
	}

	// Each visit carries the label of the following visit; the final visit of a patient has none
	var records []VisitRecord
	for i, row := range resolved {
		if i+1 >= len(resolved) || resolved[i+1].rec.PatientID != row.rec.PatientID {
			stats.LastVisitDropped++
			continue
		}
		row.rec.NextFlag = resolved[i+1].rec.Label
		records = append(records, row.rec)
	}

	kept := records[:0]
	for _, rec := range records {
		if !opts.Exists(filepath.Join(opts.EmbeddingRoot, rec.EmbeddingFile)) {
			stats.MissingEmbedding++
			continue
		}
		kept = append(kept, rec)
	}
	records = kept

	if opts.MaxPatients > 0 {
		var truncated int
		records, truncated = limitPatients(records, opts.MaxPatients)
		stats.PatientsTruncated = truncated
	}

	stats.RowsKept = len(records)
	stats.Patients = len(PatientIDs(records))
	return records, stats, nil
}

// backfillStages fills unresolved stages backwards from the next resolved visit of the same patient
func backfillStages(rows []rawRow) int {
	filled := 0
	for i := len(rows) - 2; i >= 0; i-- {
		if rows[i].resolved {
			continue
		}
		next := rows[i+1]
		if next.resolved && next.rec.PatientID == rows[i].rec.PatientID {
			rows[i].stage = next.stage
			rows[i].resolved = true
			filled++
		}
	}
	return filled
}

// limitPatients keeps records of the first n patient ids in sorted order
func limitPatients(records []VisitRecord, n int) ([]VisitRecord, int) {
	ids := PatientIDs(records)
	if n >= len(ids) {
		return records, 0
	}
	allowed := make(map[string]bool, n)
	for _, id := range ids[:n] {
		allowed[id] = true
	}
	kept := records[:0]
	for _, rec := range records {
		if allowed[rec.PatientID] {
			kept = append(kept, rec)
		}
	}
	return kept, len(ids) - n
}

// PatientIDs returns the sorted unique patient ids present in records
func PatientIDs(records []VisitRecord) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range records {
		if !seen[rec.PatientID] {
			seen[rec.PatientID] = true
			ids = append(ids, rec.PatientID)
		}
	}
	sort.Strings(ids)
	return ids
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, required := range []string{ColPatientID, ColEventDate, ColStage, ColEmbeddingFile} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("metadata is missing column %q", required)
		}
	}
	return cols, nil
}

func field(fields []string, idx int) string {
	if idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
