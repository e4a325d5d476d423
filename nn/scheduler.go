package nn

import "math"

// ============================================================================
// Plateau Scheduler - Reduce learning rate when a monitored metric stalls
// ============================================================================

// PlateauScheduler multiplies the learning rate by Factor once the monitored
// metric has failed to improve for Patience consecutive steps.
type PlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64 // relative improvement required to count as better
	MinLR     float64

	best       float64
	badEpochs  int
	reductions int
}

func NewPlateauScheduler(factor float64, patience int) *PlateauScheduler {
	return &PlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		best:      math.Inf(1),
	}
}

// Step records a metric value and returns the learning rate to use next
func (s *PlateauScheduler) Step(metric, lr float64) float64 {
	if metric < s.best*(1-s.Threshold) {
		s.best = metric
		s.badEpochs = 0
		return lr
	}

	s.badEpochs++
	if s.badEpochs < s.Patience {
		return lr
	}

	s.badEpochs = 0
	newLR := math.Max(lr*s.Factor, s.MinLR)
	if newLR < lr {
		s.reductions++
	}
	return newLR
}

// Reductions returns how many times the learning rate has been lowered
func (s *PlateauScheduler) Reductions() int {
	return s.reductions
}

func (s *PlateauScheduler) Name() string {
	return "ReduceLROnPlateau"
}
