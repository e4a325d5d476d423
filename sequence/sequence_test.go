package sequence

import (
	"context"
	"fmt"
	"testing"

	"github.com/openfluke/onset/cohort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonize(t *testing.T) {
	tests := []struct {
		in   []int
		want []int
	}{
		{[]int{0, 0, 1, 0, 1}, []int{0, 0, 1, 1, 1}},
		{[]int{0, 0, 0}, []int{0, 0, 0}},
		{[]int{1, 0, 0}, []int{1, 1, 1}},
		{[]int{}, []int{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Monotonize(tt.in))
	}
}

func TestMonotonizeProperties(t *testing.T) {
	// Every flag sequence of length 8
	for mask := 0; mask < 1<<8; mask++ {
		flags := make([]int, 8)
		for i := range flags {
			flags[i] = (mask >> i) & 1
		}
		out := Monotonize(flags)
		require.Len(t, out, len(flags))

		for i := 1; i < len(out); i++ {
			assert.LessOrEqual(t, out[i-1], out[i])
		}
		assert.Equal(t, firstOne(flags), firstOne(out), "flags %v", flags)
	}
}

func firstOne(xs []int) int {
	for i, x := range xs {
		if x == 1 {
			return i
		}
	}
	return -1
}

// timeline builds n chronological visits with embeddings [v, v, ...]
func timeline(id string, flags []int, dim int) []cohort.VisitRecord {
	var out []cohort.VisitRecord
	for i, f := range flags {
		rec := cohort.NewVisitRecord(id, fmt.Sprintf("2020-%02d-01", i+1))
		rec.NextFlag = f
		rec.Embedding = make([]float32, dim)
		for d := range rec.Embedding {
			rec.Embedding[d] = float32(i + 1)
		}
		out = append(out, rec)
	}
	return out
}

func TestBuildWindowsShortHistoryIsPadded(t *testing.T) {
	windows := BuildWindows(timeline("p", []int{0, 0, 0, 1}, 2), 10)
	require.Len(t, windows, 3)

	last := windows[2]
	assert.Len(t, last.Context, 3)
	padded := last.Padded(10, 2)
	require.Len(t, padded, 20)
	// 7 zero vectors prepended
	for _, v := range padded[:14] {
		assert.Zero(t, v)
	}
	assert.Equal(t, []float32{1, 1, 2, 2, 3, 3}, padded[14:])
}

func TestBuildWindowsTargetsAndTruncation(t *testing.T) {
	// Visits arrive out of order; BuildWindows sorts them chronologically
	visits := timeline("p", []int{0, 1, 0, 0, 1}, 1)
	visits[0], visits[3] = visits[3], visits[0]

	windows := BuildWindows(visits, 2)
	require.Len(t, windows, 4)

	for i, w := range windows {
		assert.Equal(t, i, w.LocalIndex)
		assert.LessOrEqual(t, len(w.Context), 2)
	}
	// Targets follow the monotonized flag of the last context visit
	assert.Equal(t, []int{0, 1, 1, 1}, []int{windows[0].Target, windows[1].Target, windows[2].Target, windows[3].Target})
	// Window at transition 4 sees visits 3 and 4 only
	assert.Equal(t, []float32{3, 4}, windows[3].Padded(2, 1))
}

func TestBuildWindowsSingleVisitPatient(t *testing.T) {
	assert.Empty(t, BuildWindows(timeline("solo", []int{1}, 3), 4))
}

func TestPaddedTruncatesLongContext(t *testing.T) {
	w := Window{Context: [][]float32{{1}, {2}, {3}, {4}}}
	assert.Equal(t, []float32{3, 4}, w.Padded(2, 1))
}

func TestEndToEndTwoPatients(t *testing.T) {
	records := append(timeline("A", []int{0, 0, 1, 0, 1}, 4), timeline("B", []int{0, 0, 0, 0, 0}, 4)...)
	windows := BuildWindows(records, 3)
	require.Len(t, windows, 8)

	perPatient := map[string][]int{}
	for _, w := range windows {
		assert.Len(t, w.Padded(3, 4), 3*4)
		perPatient[w.PatientID] = append(perPatient[w.PatientID], w.Target)
	}
	assert.Equal(t, []int{0, 0, 1, 1}, perPatient["A"])
	assert.Equal(t, []int{0, 0, 0, 0}, perPatient["B"])
}

func patientIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("P%03d", i)
	}
	return ids
}

func TestPartitionPatientsDisjointAndComplete(t *testing.T) {
	ids := patientIDs(57)
	for seed := int64(0); seed < 20; seed++ {
		split, err := PartitionPatients(append(ids, ids[:5]...), 0.2, 0.1, seed)
		require.NoError(t, err)

		seen := map[string]int{}
		for _, set := range [][]string{split.Train, split.Val, split.Test} {
			for _, id := range set {
				seen[id]++
			}
		}
		assert.Len(t, seen, len(ids))
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
		// ceil(57*0.2)=12, ceil(45*0.1)=5
		assert.Len(t, split.Test, 12)
		assert.Len(t, split.Val, 5)
		assert.Len(t, split.Train, 40)
	}
}

func TestPartitionPatientsDeterministic(t *testing.T) {
	ids := patientIDs(30)
	a, err := PartitionPatients(ids, 0.2, 0.1, 42)
	require.NoError(t, err)
	b, err := PartitionPatients(ids, 0.2, 0.1, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := PartitionPatients(ids, 0.2, 0.1, 7)
	require.NoError(t, err)
	assert.NotEqual(t, a.Test, c.Test)
}

func TestPartitionPatientsTooFew(t *testing.T) {
	_, err := PartitionPatients([]string{"a", "b"}, 0.2, 0.1, 1)
	assert.Error(t, err)
	_, err = PartitionPatients(patientIDs(10), 0, 0.1, 1)
	assert.Error(t, err)
}

func TestSplitWindowsNeverCrossSplits(t *testing.T) {
	var records []cohort.VisitRecord
	for _, id := range patientIDs(20) {
		records = append(records, timeline(id, []int{0, 1, 1}, 2)...)
	}
	split, err := PartitionPatients(cohort.PatientIDs(records), 0.2, 0.1, 3)
	require.NoError(t, err)
	train, val, test := split.Windows(records, 2)

	owner := map[string]string{}
	for name, ws := range map[string][]Window{"train": train, "val": val, "test": test} {
		for _, w := range ws {
			if prev, ok := owner[w.PatientID]; ok {
				assert.Equal(t, prev, name)
			}
			owner[w.PatientID] = name
		}
	}
	assert.Equal(t, 40, len(train)+len(val)+len(test))
}

func TestLoaderBatches(t *testing.T) {
	windows := BuildWindows(timeline("p", []int{0, 0, 1, 1, 1, 1, 1, 1}, 2), 3)
	require.Len(t, windows, 7)

	loader, err := NewLoader(windows, LoaderConfig{BatchSize: 3, Size: 3, Dim: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches())

	var sizes []int
	var order []int
	for b := range loader.Epoch(context.Background()) {
		sizes = append(sizes, b.Len())
		assert.Len(t, b.X, b.Len()*3*2)
		for _, w := range b.Windows {
			order = append(order, w.LocalIndex)
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, order)
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	windows := BuildWindows(timeline("p", make([]int, 40), 1), 2)
	collect := func(seed int64) []int {
		loader, err := NewLoader(windows, LoaderConfig{BatchSize: 8, Size: 2, Dim: 1, Shuffle: true, Seed: seed})
		require.NoError(t, err)
		var order []int
		for b := range loader.Epoch(context.Background()) {
			for _, w := range b.Windows {
				order = append(order, w.LocalIndex)
			}
		}
		return order
	}
	a, b := collect(5), collect(5)
	assert.Equal(t, a, b)
	assert.Len(t, a, 39)
	assert.ElementsMatch(t, a, collect(6))
}

func TestLoaderStopsOnCancel(t *testing.T) {
	windows := BuildWindows(timeline("p", make([]int, 50), 1), 2)
	loader, err := NewLoader(windows, LoaderConfig{BatchSize: 1, Size: 2, Dim: 1, Prefetch: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := loader.Epoch(ctx)
	<-ch
	cancel()
	for range ch {
	}
}
