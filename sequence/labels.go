// Package sequence turns per-patient visit timelines into fixed-length
// supervised windows and partitions patients into train, validation and test
// splits.
package sequence

// Monotonize returns a label sequence in which every position at or after the
// first positive flag is positive. The first positive position is unchanged.
func Monotonize(flags []int) []int {
	out := make([]int, len(flags))
	progressed := false
	for i, f := range flags {
		if f == 1 {
			progressed = true
		}
		if progressed {
			out[i] = 1
		}
	}
	return out
}
