package cohort

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
)

// LoadEmbedding reads a visit embedding from an .npz archive (first stored
// array) or a bare .npy file and flattens it to float32.
func LoadEmbedding(path string) ([]float32, error) {
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open embedding: %w", err)
		}
		defer f.Close()
		return readNPY(f)
	}
	return LoadNPZ(path)
}

// LoadNPZ returns the first array stored in an .npz archive
func LoadNPZ(path string) ([]float32, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	keys := r.Keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("npz %s: archive holds no arrays", path)
	}
	name := keys[0]
	rc, err := r.Open(name)
	if err != nil {
		return nil, fmt.Errorf("npz %s: %w", path, err)
	}
	defer rc.Close()

	vec, err := readNPY(rc)
	if err != nil {
		return nil, fmt.Errorf("npz %s: %s: %w", path, name, err)
	}
	return vec, nil
}

// readNPY decodes a float array of any shape into a flat float32 slice
func readNPY(r io.Reader) ([]float32, error) {
	npy, err := npyio.NewReader(r)
	if err != nil {
		return nil, err
	}

	switch dtype := npy.Header.Descr.Type; dtype {
	case "<f4", "float32":
		var vec []float32
		if err := npy.Read(&vec); err != nil {
			return nil, err
		}
		return vec, nil
	case "<f8", "float64":
		var wide []float64
		if err := npy.Read(&wide); err != nil {
			return nil, err
		}
		vec := make([]float32, len(wide))
		for i, v := range wide {
			vec[i] = float32(v)
		}
		return vec, nil
	default:
		return nil, fmt.Errorf("unsupported embedding dtype %q", dtype)
	}
}
