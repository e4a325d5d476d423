package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// SaveParams writes every parameter as an F32 tensor keyed by its name.
// The file is written to a temporary sibling and renamed into place.
func SaveParams(path string, params []*Param, metadata map[string]string) error {
	if err := CheckUniqueNames(params); err != nil {
		return err
	}
	tensors := make(map[string]Tensor, len(params))
	for _, p := range params {
		tensors[p.Name] = Tensor{Shape: p.Shape, Data: p.Data}
	}

	data, err := SerializeSafetensors(tensors, metadata)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// SerializeSafetensors converts tensors to safetensors format bytes
func SerializeSafetensors(tensors map[string]Tensor, metadata map[string]string) ([]byte, error) {
	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		numElements := 1
		for _, dim := range tensor.Shape {
			numElements *= dim
		}
		if numElements != len(tensor.Data) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d elements, data has %d", name, tensor.Shape, numElements, len(tensor.Data))
		}
		dataSize := numElements * 4

		header[name] = TensorInfo{
			DType:  "F32",
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	offset := int(8 + headerSize)
	for _, name := range names {
		for _, val := range tensors[name].Data {
			binary.LittleEndian.PutUint32(result[offset:], math.Float32bits(val))
			offset += 4
		}
	}

	return result, nil
}
