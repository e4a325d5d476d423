package harness

import "sort"

// EnsembleMatch is a pair of models whose correct test windows complement each other
type EnsembleMatch struct {
	ModelA   string  `json:"model_a" yaml:"model_a"`
	ModelB   string  `json:"model_b" yaml:"model_b"`
	Coverage float64 `json:"coverage" yaml:"coverage"` // windows either model got right
	Overlap  float64 `json:"overlap" yaml:"overlap"`   // windows both models got right
}

// CorrectMask marks the predictions that match their label
func CorrectMask(preds []SwitchPrediction) []bool {
	mask := make([]bool, len(preds))
	for i, p := range preds {
		mask[i] = p.PredLabel == p.TrueLabel
	}
	return mask
}

// ComplementaryPairs compares every pair of finished models over the shared
// test windows and returns the pairs reaching minCoverage, best coverage first
// and, on equal coverage, least overlap first.
func (s *SuiteResult) ComplementaryPairs(minCoverage float64) []EnsembleMatch {
	masks := make([][]bool, len(s.Order))
	for i, name := range s.Order {
		masks[i] = CorrectMask(s.Outcomes[name].Predictions)
	}

	var matches []EnsembleMatch
	for i := 0; i < len(masks); i++ {
		for j := i + 1; j < len(masks); j++ {
			a, b := masks[i], masks[j]
			if len(a) != len(b) || len(a) == 0 {
				continue
			}
			covered, overlap := 0, 0
			for k := range a {
				if a[k] || b[k] {
					covered++
				}
				if a[k] && b[k] {
					overlap++
				}
			}
			n := float64(len(a))
			if float64(covered)/n >= minCoverage {
				matches = append(matches, EnsembleMatch{
					ModelA:   s.Order[i],
					ModelB:   s.Order[j],
					Coverage: float64(covered) / n,
					Overlap:  float64(overlap) / n,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Coverage != matches[j].Coverage {
			return matches[i].Coverage > matches[j].Coverage
		}
		return matches[i].Overlap < matches[j].Overlap
	})
	return matches
}
