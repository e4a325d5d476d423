package sequence

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/openfluke/onset/cohort"
)

// Split holds the disjoint patient id sets of one run
type Split struct {
	Train []string
	Val   []string
	Test  []string
}

// PartitionPatients carves a test set out of the unique patient ids and then a
// validation set out of the remainder. The same ids, fractions and seed always
// produce the same split.
func PartitionPatients(ids []string, testFrac, valFrac float64, seed int64) (Split, error) {
	if testFrac <= 0 || testFrac >= 1 || valFrac <= 0 || valFrac >= 1 {
		return Split{}, fmt.Errorf("split fractions must lie in (0,1): test=%v val=%v", testFrac, valFrac)
	}
	unique := dedupe(ids)
	rng := rand.New(rand.NewSource(seed))

	rest, test, err := carve(unique, testFrac, rng)
	if err != nil {
		return Split{}, fmt.Errorf("test split: %w", err)
	}
	train, val, err := carve(rest, valFrac, rng)
	if err != nil {
		return Split{}, fmt.Errorf("validation split: %w", err)
	}
	return Split{Train: train, Val: val, Test: test}, nil
}

// carve shuffles ids and moves ceil(n*frac) of them into the held-out set.
// Both sides must be non-empty.
func carve(ids []string, frac float64, rng *rand.Rand) ([]string, []string, error) {
	n := len(ids)
	held := int(math.Ceil(float64(n) * frac))
	if held >= n {
		return nil, nil, fmt.Errorf("%d patients cannot be split with fraction %v", n, frac)
	}
	perm := rng.Perm(n)
	kept := make([]string, 0, n-held)
	out := make([]string, 0, held)
	for i, p := range perm {
		if i < held {
			out = append(out, ids[p])
		} else {
			kept = append(kept, ids[p])
		}
	}
	sort.Strings(kept)
	sort.Strings(out)
	return kept, out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Filter returns the records whose patient belongs to ids
func Filter(records []cohort.VisitRecord, ids []string) []cohort.VisitRecord {
	member := make(map[string]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}
	var out []cohort.VisitRecord
	for _, rec := range records {
		if member[rec.PatientID] {
			out = append(out, rec)
		}
	}
	return out
}

// Windows builds the train, validation and test windows of a split
func (s Split) Windows(records []cohort.VisitRecord, size int) (train, val, test []Window) {
	return BuildWindows(Filter(records, s.Train), size),
		BuildWindows(Filter(records, s.Val), size),
		BuildWindows(Filter(records, s.Test), size)
}
