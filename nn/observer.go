package nn

// TensorStats summarizes the values of one parameter tensor or its gradient
type TensorStats struct {
	Name   string  `json:"name" yaml:"name"`
	Mean   float32 `json:"mean" yaml:"mean"`
	Max    float32 `json:"max" yaml:"max"`
	Min    float32 `json:"min" yaml:"min"`
	Active int     `json:"active" yaml:"active"` // elements above zero
	Total  int     `json:"total" yaml:"total"`
}

// computeTensorStats calculates summary statistics for a value slice
func computeTensorStats(name string, data []float32) TensorStats {
	if len(data) == 0 {
		return TensorStats{Name: name}
	}

	var sum float32
	max, min := data[0], data[0]
	active := 0
	for _, v := range data {
		sum += v
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		if v > 0 {
			active++
		}
	}

	return TensorStats{
		Name:   name,
		Mean:   sum / float32(len(data)),
		Max:    max,
		Min:    min,
		Active: active,
		Total:  len(data),
	}
}

// WeightStats summarizes the current values of every parameter
func WeightStats(params []*Param) []TensorStats {
	out := make([]TensorStats, len(params))
	for i, p := range params {
		out[i] = computeTensorStats(p.Name, p.Data)
	}
	return out
}

// GradStats summarizes the accumulated gradients of every parameter
func GradStats(params []*Param) []TensorStats {
	out := make([]TensorStats, len(params))
	for i, p := range params {
		out[i] = computeTensorStats(p.Name+".grad", p.Grad)
	}
	return out
}
