// Package accel probes for a WebGPU adapter at startup. The result only feeds
// capability negotiation and the run report; the numeric kernels run on the CPU.
package accel

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Modes accepted by Probe
const (
	ModeAuto = "auto"
	ModeCPU  = "cpu"
)

// Report is a portable summary of the adapter found, or of why none was used
type Report struct {
	Mode        string   `json:"mode" yaml:"mode"`
	WhenISO     string   `json:"when_iso" yaml:"when_iso"`
	Runtime     string   `json:"runtime" yaml:"runtime"`
	Available   bool     `json:"available" yaml:"available"`
	Backend     string   `json:"backend" yaml:"backend"`
	AdapterType string   `json:"adapter_type,omitempty" yaml:"adapter_type,omitempty"`
	VendorID    string   `json:"vendor_id_hex,omitempty" yaml:"vendor_id_hex,omitempty"`
	DeviceID    string   `json:"device_id_hex,omitempty" yaml:"device_id_hex,omitempty"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Driver      string   `json:"driver,omitempty" yaml:"driver,omitempty"`
	MaxBuffer   uint64   `json:"max_buffer_size,omitempty" yaml:"max_buffer_size,omitempty"`
	Features    []string `json:"features,omitempty" yaml:"features,omitempty"`
	Reason      string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// String renders a one-line description for logs
func (r Report) String() string {
	if !r.Available {
		if r.Reason == "" {
			return "cpu"
		}
		return fmt.Sprintf("cpu (%s)", r.Reason)
	}
	return fmt.Sprintf("%s %s [%s, %s]", r.Name, r.Driver, r.Backend, r.AdapterType)
}

// detect is replaced in tests
var detect = detectWebGPU

// Probe inspects the accelerator according to mode. A failed probe is not an
// error: the report falls back to CPU and records the reason.
func Probe(mode string) (Report, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	base := Report{
		Mode:    mode,
		WhenISO: time.Now().UTC().Format(time.RFC3339),
		Runtime: detectRuntime(),
		Backend: "cpu",
	}

	switch mode {
	case ModeCPU:
		base.Reason = "probe disabled"
		return base, nil
	case ModeAuto, "":
		base.Mode = ModeAuto
		rep, err := detect()
		if err != nil {
			base.Reason = err.Error()
			return base, nil
		}
		rep.Mode, rep.WhenISO, rep.Runtime = base.Mode, base.WhenISO, base.Runtime
		rep.Available = true
		return *rep, nil
	default:
		return base, fmt.Errorf("unknown accelerator mode %q (want auto or cpu)", mode)
	}
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}
