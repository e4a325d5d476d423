// Package switches reduces per-window predictions to the first window at which
// each patient is labelled, and predicted, as progressed.
package switches

import (
	"sort"

	"github.com/openfluke/onset/harness"
)

// PatientSwitchAnalysis compares the true and predicted onset of one patient.
// A nil index means the label stream never switches to 1.
type PatientSwitchAnalysis struct {
	PatientID        string `json:"patient_id" yaml:"patient_id"`
	TrueSwitchIndex  *int   `json:"true_switch_index" yaml:"true_switch_index"`
	PredSwitchIndex  *int   `json:"pred_switch_index" yaml:"pred_switch_index"`
	SwitchDifference *int   `json:"switch_difference" yaml:"switch_difference"` // pred - true; positive means detected late
}

// Analyze groups predictions by patient and finds each patient's first true and
// predicted positive local index. Patients are returned in sorted id order.
func Analyze(preds []harness.SwitchPrediction) []PatientSwitchAnalysis {
	groups := make(map[string][]harness.SwitchPrediction)
	for _, p := range preds {
		groups[p.PatientID] = append(groups[p.PatientID], p)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]PatientSwitchAnalysis, 0, len(ids))
	for _, id := range ids {
		rows := groups[id]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].LocalIndex < rows[j].LocalIndex })

		a := PatientSwitchAnalysis{PatientID: id}
		for _, r := range rows {
			if a.TrueSwitchIndex == nil && r.TrueLabel == 1 {
				a.TrueSwitchIndex = intPtr(r.LocalIndex)
			}
			if a.PredSwitchIndex == nil && r.PredLabel == 1 {
				a.PredSwitchIndex = intPtr(r.LocalIndex)
			}
		}
		if a.TrueSwitchIndex != nil && a.PredSwitchIndex != nil {
			a.SwitchDifference = intPtr(*a.PredSwitchIndex - *a.TrueSwitchIndex)
		}
		out = append(out, a)
	}
	return out
}

// Summary aggregates the per-patient differences of one model
type Summary struct {
	Patients       int     `json:"patients" yaml:"patients"`
	BothDefined    int     `json:"both_defined" yaml:"both_defined"`
	Exact          int     `json:"exact" yaml:"exact"`
	Late           int     `json:"late" yaml:"late"`
	Early          int     `json:"early" yaml:"early"`
	MissedOnset    int     `json:"missed_onset" yaml:"missed_onset"`       // true switch, no predicted switch
	FalseOnset     int     `json:"false_onset" yaml:"false_onset"`         // predicted switch, no true switch
	MeanDifference float64 `json:"mean_difference" yaml:"mean_difference"` // over BothDefined
	MeanAbsLag     float64 `json:"mean_abs_lag" yaml:"mean_abs_lag"`
}

// Summarize counts onset agreement across patients
func Summarize(analyses []PatientSwitchAnalysis) Summary {
	s := Summary{Patients: len(analyses)}
	var sum, abs float64
	for _, a := range analyses {
		switch {
		case a.SwitchDifference != nil:
			s.BothDefined++
			d := *a.SwitchDifference
			sum += float64(d)
			switch {
			case d > 0:
				s.Late++
				abs += float64(d)
			case d < 0:
				s.Early++
				abs -= float64(d)
			default:
				s.Exact++
			}
		case a.TrueSwitchIndex != nil:
			s.MissedOnset++
		case a.PredSwitchIndex != nil:
			s.FalseOnset++
		}
	}
	if s.BothDefined > 0 {
		s.MeanDifference = sum / float64(s.BothDefined)
		s.MeanAbsLag = abs / float64(s.BothDefined)
	}
	return s
}

func intPtr(v int) *int { return &v }
