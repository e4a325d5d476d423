package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// TensorInfo describes a tensor entry in a safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// Tensor is a decoded safetensors entry
type Tensor struct {
	Shape []int
	Data  []float32
}

// LoadSafetensors reads a safetensors file and returns tensors by name plus the
// string metadata block.
func LoadSafetensors(path string) (map[string]Tensor, map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes decodes an in-memory safetensors payload
func LoadSafetensorsFromBytes(data []byte) (map[string]Tensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("safetensors payload too short: %d bytes", len(data))
	}

	// Header size: first 8 bytes, little-endian
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if uint64(len(data)) < 8+headerSize {
		return nil, nil, fmt.Errorf("safetensors header size %d exceeds payload", headerSize)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	allData := data[8+headerSize:]
	tensors := make(map[string]Tensor, len(rawHeader))
	metadata := map[string]string{}

	for name, raw := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, nil, fmt.Errorf("tensor %s: malformed data_offsets", name)
		}

		numElements := 1
		for _, dim := range info.Shape {
			numElements *= dim
		}

		width := bytesPerElement(info.DType)
		if width == 0 {
			return nil, nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end > len(allData) || end-start != numElements*width {
			return nil, nil, fmt.Errorf("tensor %s: data_offsets [%d,%d] do not match shape %v", name, start, end, info.Shape)
		}

		tensorData := make([]float32, numElements)
		buf := allData[start:end]
		switch info.DType {
		case "F32":
			for i := range tensorData {
				tensorData[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		case "F16":
			for i := range tensorData {
				tensorData[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		case "BF16":
			for i := range tensorData {
				tensorData[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		}

		tensors[name] = Tensor{Shape: info.Shape, Data: tensorData}
	}

	return tensors, metadata, nil
}

// LoadParams restores parameter values from a checkpoint written by SaveParams.
// Every parameter must be present with a matching shape.
func LoadParams(path string, params []*Param) (map[string]string, error) {
	tensors, metadata, err := LoadSafetensors(path)
	if err != nil {
		return nil, err
	}

	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint %s: missing tensor %s", path, p.Name)
		}
		if !sameShape(t.Shape, p.Shape) {
			return nil, fmt.Errorf("checkpoint %s: tensor %s has shape %v, want %v", path, p.Name, t.Shape, p.Shape)
		}
		copy(p.Data, t.Data)
	}
	return metadata, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// float16ToFloat32 converts IEEE 754 half precision to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32(f16>>15) & 0x1
	exp := uint32(f16>>10) & 0x1f
	mant := uint32(f16) & 0x3ff

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign << 31)
	case exp == 0:
		// Subnormal
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
	case exp == 0x1f:
		return math.Float32frombits((sign << 31) | 0x7f800000 | (mant << 13))
	}

	exp = exp + (127 - 15)
	return math.Float32frombits((sign << 31) | (exp << 23) | (mant << 13))
}

// bfloat16ToFloat32 widens bfloat16 by restoring the truncated mantissa bits
func bfloat16ToFloat32(bf16 uint16) float32 {
	return math.Float32frombits(uint32(bf16) << 16)
}
