package models

import (
	"strings"
	"time"
)

// GpioDirection distinguishes inputs from outputs
type GpioDirection string

const (
	GpioInput  GpioDirection = "input"
	GpioOutput GpioDirection = "output"
)

// GpioState is the logical level of a GPIO point
type GpioState string

const (
	GpioActive   GpioState = "active"
	GpioInactive GpioState = "inactive"
	GpioUnknown  GpioState = "unknown"
)

// GpioOperation is the operation requested on an output
type GpioOperation string

const (
	GpoSet       GpioOperation = "set"
	GpoClear     GpioOperation = "clear"
	GpoSlowBlink GpioOperation = "slow_blink"
	GpoFastBlink GpioOperation = "fast_blink"
)

// ParseGpioState maps the backend vocabulary onto a logical state
func ParseGpioState(s string) GpioState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "on", "high", "set", "true", "1", "closed":
		return GpioActive
	case "inactive", "off", "low", "clear", "false", "0", "open":
		return GpioInactive
	default:
		return GpioUnknown
	}
}

// StateFromOperation derives the state of an output from the operation that
// changed it
func StateFromOperation(op string) GpioState {
	switch GpioOperation(strings.ToLower(strings.TrimSpace(op))) {
	case GpoSet, GpoSlowBlink, GpoFastBlink:
		return GpioActive
	case GpoClear:
		return GpioInactive
	default:
		return GpioUnknown
	}
}

// GpioPayload is the raw body of a GPIO event or snapshot entry. Per-device
// events do not carry dirno; global events may.
type GpioPayload struct {
	ID        string `json:"id"`
	DirNo     string `json:"dirno,omitempty"`
	State     string `json:"state,omitempty"`
	Operation string `json:"operation,omitempty"`
	Time      string `json:"time,omitempty"`
}

// GpioPoint is one input or output of a device
type GpioPoint struct {
	Direction GpioDirection `json:"direction"`
	ID        string        `json:"id"`
	State     GpioState     `json:"state"`
	Updated   time.Time     `json:"updated"`
	Raw       string        `json:"raw,omitempty"`
}

// NewGpioPoint builds a point from a payload. Outputs without a state field
// fall back to the operation.
func NewGpioPoint(dir GpioDirection, p *GpioPayload, raw string) *GpioPoint {
	state := GpioUnknown
	if p.State != "" {
		state = ParseGpioState(p.State)
	}
	if state == GpioUnknown && dir == GpioOutput && p.Operation != "" {
		state = StateFromOperation(p.Operation)
	}

	updated := parseTimestamp(p.Time)
	if updated.IsZero() {
		updated = time.Now()
	}

	return &GpioPoint{
		Direction: dir,
		ID:        p.ID,
		State:     state,
		Updated:   updated,
		Raw:       raw,
	}
}

// GpioEvent bundles a point with the device it belongs to
type GpioEvent struct {
	DirNo string     `json:"dirno"`
	Point *GpioPoint `json:"point"`
}
