package sequence

import (
	"sort"

	"github.com/openfluke/onset/cohort"
)

// Window is one supervised example: the embeddings of up to Size visits before
// a transition and the monotonic label of that transition.
type Window struct {
	PatientID  string
	LocalIndex int
	Target     int
	Context    [][]float32 // oldest first, at most the window size
}

// Padded returns the context as a flat [size*dim] row-major matrix, left-padded
// with zero vectors or truncated to the most recent size visits.
func (w Window) Padded(size, dim int) []float32 {
	out := make([]float32, size*dim)
	ctx := w.Context
	if len(ctx) > size {
		ctx = ctx[len(ctx)-size:]
	}
	offset := size - len(ctx)
	for i, vec := range ctx {
		copy(out[(offset+i)*dim:(offset+i+1)*dim], vec)
	}
	return out
}

// GroupByPatient returns each patient's visits in chronological order, keyed by patient id
func GroupByPatient(records []cohort.VisitRecord) map[string][]cohort.VisitRecord {
	groups := make(map[string][]cohort.VisitRecord)
	for _, rec := range records {
		groups[rec.PatientID] = append(groups[rec.PatientID], rec)
	}
	for _, visits := range groups {
		sort.SliceStable(visits, func(i, j int) bool { return visits[i].Before(visits[j]) })
	}
	return groups
}

// BuildWindows produces one window per visit transition of every patient.
// Patients are visited in sorted id order and transitions in time order, so
// the output order is deterministic.
func BuildWindows(records []cohort.VisitRecord, size int) []Window {
	groups := GroupByPatient(records)
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var windows []Window
	for _, id := range ids {
		windows = append(windows, patientWindows(id, groups[id], size)...)
	}
	return windows
}

func patientWindows(id string, visits []cohort.VisitRecord, size int) []Window {
	if len(visits) < 2 {
		return nil
	}
	flags := make([]int, len(visits))
	for i, v := range visits {
		flags[i] = v.NextFlag
	}
	labels := Monotonize(flags)

	windows := make([]Window, 0, len(visits)-1)
	for i := 1; i < len(visits); i++ {
		start := i - size
		if start < 0 {
			start = 0
		}
		ctx := make([][]float32, 0, i-start)
		for _, v := range visits[start:i] {
			ctx = append(ctx, v.Embedding)
		}
		windows = append(windows, Window{
			PatientID:  id,
			LocalIndex: i - 1,
			Target:     labels[i-1],
			Context:    ctx,
		})
	}
	return windows
}

// CountPositive returns how many windows have a positive target
func CountPositive(windows []Window) int {
	n := 0
	for _, w := range windows {
		n += w.Target
	}
	return n
}
