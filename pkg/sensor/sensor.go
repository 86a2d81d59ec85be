package sensor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a terminated handle.
	ErrClosed = errors.New("sensor closed")

	// ErrFaulted is returned after a protocol error until the sensor is reset.
	ErrFaulted = errors.New("sensor faulted")
)

// State is the externally observable state of a sensor handle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateBusy
	StateSleeping
	StateFaulted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateSleeping:
		return "sleeping"
	case StateFaulted:
		return "faulted"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is reported on every state transition.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Reading is one averaged, calibrated weight measurement.
type Reading struct {
	Value     float64       `json:"value"`
	Raw       float64       `json:"raw"`
	Samples   int           `json:"samples"`
	StdDev    float64       `json:"stddev"`
	Offset    int64         `json:"offset"`
	Scale     float64       `json:"scale"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// ReadOptions are per-call overrides; zero values fall back to the defaults.
type ReadOptions struct {
	Samples int
	// Offset replaces the stored tare offset (raw units) for this read only
	Offset *int64
}

// Info describes how a sensor is wired and calibrated.
type Info struct {
	ClockPin   uint    `json:"clock_pin"`
	DataPin    uint    `json:"data_pin"`
	Gain       int     `json:"gain"`
	Scale      float64 `json:"scale"`
	Offset     int64   `json:"offset"`
	Samples    int     `json:"samples"`
	LineDriver string  `json:"line_driver"`
}

// Sensor is the request/response surface of one weight sensor.
type Sensor interface {
	// Read averages conversions and converts them with the calibration.
	Read(ctx context.Context, opts ReadOptions) (Reading, error)
	// Tare stores the average of samples conversions as the new zero.
	Tare(ctx context.Context, samples int) error
	// SetScale stores raw units per physical unit.
	SetScale(ctx context.Context, value float64) error
	// PowerDown puts the chip to sleep. It never fails.
	PowerDown(ctx context.Context)
	// Wake brings a sleeping chip back.
	Wake(ctx context.Context) error
	// Reset power-cycles the chip, which clears a fault.
	Reset(ctx context.Context) error
	Status() Status
	Info() Info
	// Close powers the chip down (best effort) and releases it. It never fails.
	Close() error
}
