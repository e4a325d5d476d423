package switches

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/onset/harness"
)

func rows(id string, truth, pred []int) []harness.SwitchPrediction {
	out := make([]harness.SwitchPrediction, len(truth))
	for i := range truth {
		out[i] = harness.SwitchPrediction{PatientID: id, LocalIndex: i, TrueLabel: truth[i], PredLabel: pred[i]}
	}
	return out
}

func TestAnalyzeSwitchDifference(t *testing.T) {
	preds := rows("P", []int{0, 0, 0, 0, 1, 1, 1, 1}, []int{0, 0, 0, 0, 0, 0, 1, 1})
	// Shuffle input order; Analyze sorts by local index
	preds[0], preds[7] = preds[7], preds[0]

	got := Analyze(preds)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].TrueSwitchIndex)
	require.NotNil(t, got[0].PredSwitchIndex)
	require.NotNil(t, got[0].SwitchDifference)
	assert.Equal(t, 4, *got[0].TrueSwitchIndex)
	assert.Equal(t, 6, *got[0].PredSwitchIndex)
	assert.Equal(t, 2, *got[0].SwitchDifference)
}

func TestAnalyzeUndefinedSwitches(t *testing.T) {
	preds := append(rows("B", []int{0, 1, 1}, []int{0, 0, 0}), rows("A", []int{0, 0}, []int{1, 1})...)
	got := Analyze(preds)
	require.Len(t, got, 2)

	assert.Equal(t, "A", got[0].PatientID)
	assert.Nil(t, got[0].TrueSwitchIndex)
	assert.Equal(t, 0, *got[0].PredSwitchIndex)
	assert.Nil(t, got[0].SwitchDifference)

	assert.Equal(t, "B", got[1].PatientID)
	assert.Equal(t, 1, *got[1].TrueSwitchIndex)
	assert.Nil(t, got[1].PredSwitchIndex)
	assert.Nil(t, got[1].SwitchDifference)
}

func TestAnalyzeEarlyPrediction(t *testing.T) {
	got := Analyze(rows("E", []int{0, 0, 1}, []int{1, 1, 1}))
	assert.Equal(t, -2, *got[0].SwitchDifference)
}

func TestSummarize(t *testing.T) {
	var preds []harness.SwitchPrediction
	preds = append(preds, rows("late", []int{0, 1, 1}, []int{0, 0, 1})...)
	preds = append(preds, rows("early", []int{0, 0, 1}, []int{1, 1, 1})...)
	preds = append(preds, rows("exact", []int{0, 1}, []int{0, 1})...)
	preds = append(preds, rows("missed", []int{1, 1}, []int{0, 0})...)
	preds = append(preds, rows("false", []int{0, 0}, []int{0, 1})...)
	preds = append(preds, rows("quiet", []int{0, 0}, []int{0, 0})...)

	s := Summarize(Analyze(preds))
	assert.Equal(t, 6, s.Patients)
	assert.Equal(t, 3, s.BothDefined)
	assert.Equal(t, 1, s.Late)
	assert.Equal(t, 1, s.Early)
	assert.Equal(t, 1, s.Exact)
	assert.Equal(t, 1, s.MissedOnset)
	assert.Equal(t, 1, s.FalseOnset)
	assert.InDelta(t, -1.0/3, s.MeanDifference, 1e-12)
	assert.InDelta(t, 1.0, s.MeanAbsLag, 1e-12)
}

func TestAnalyzeEmpty(t *testing.T) {
	assert.Empty(t, Analyze(nil))
	assert.Equal(t, Summary{}, Summarize(nil))
}
