// Package cohort ingests per-visit clinical metadata and the embedding vectors
// attached to each visit.
//
// Rows flow through LoadMetadata (stage coercion, progression label, next-visit
// flag, embedding existence filter) and then AttachEmbeddings, which resolves
// every embedding file through a shared EmbeddingCache.
package cohort

import (
	"errors"
	"time"
)

// ErrEmbeddingDim is returned when an embedding does not have the configured dimension
var ErrEmbeddingDim = errors.New("embedding dimension mismatch")

// VisitRecord is one usable visit of one patient
type VisitRecord struct {
	PatientID     string
	EventDate     string
	Stage         int
	Label         int // Stage >= progression stage
	NextFlag      int // Label of the following visit of the same patient
	EmbeddingFile string
	Embedding     []float32

	when   time.Time
	parsed bool
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04",
}

// parseEventDate tries the known layouts and reports whether one matched
func parseEventDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NewVisitRecord builds a record and resolves its event date
func NewVisitRecord(patientID, eventDate string) VisitRecord {
	r := VisitRecord{PatientID: patientID, EventDate: eventDate}
	r.when, r.parsed = parseEventDate(eventDate)
	return r
}

// Before orders two visits chronologically. Dates that do not parse fall back to
// lexical comparison.
func (r VisitRecord) Before(other VisitRecord) bool {
	if r.parsed && other.parsed {
		return r.when.Before(other.when)
	}
	return r.EventDate < other.EventDate
}
