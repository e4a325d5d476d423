package nn

// ModelTelemetry is the structural summary of a parameter set
type ModelTelemetry struct {
	ID           string            `json:"id" yaml:"id"`
	TotalTensors int               `json:"total_tensors" yaml:"total_tensors"`
	TotalParams  int               `json:"total_parameters" yaml:"total_parameters"`
	Tensors      []TensorTelemetry `json:"tensors,omitempty" yaml:"tensors,omitempty"`
}

// TensorTelemetry describes one named parameter tensor
type TensorTelemetry struct {
	Name       string `json:"name" yaml:"name"`
	Shape      []int  `json:"shape" yaml:"shape"`
	Parameters int    `json:"parameters" yaml:"parameters"`
}

// ExtractBlueprint lists the tensors of params in order
func ExtractBlueprint(id string, params []*Param) ModelTelemetry {
	t := ModelTelemetry{
		ID:           id,
		TotalTensors: len(params),
		TotalParams:  CountParams(params),
		Tensors:      make([]TensorTelemetry, 0, len(params)),
	}
	for _, p := range params {
		t.Tensors = append(t.Tensors, TensorTelemetry{
			Name:       p.Name,
			Shape:      append([]int(nil), p.Shape...),
			Parameters: p.Size(),
		})
	}
	return t
}
