// Package calibration converts raw HX711 conversions to physical units.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// ErrInvalidCalibration is returned for a scale that is zero or not finite.
var ErrInvalidCalibration = errors.New("invalid calibration")

// State holds the tare offset (raw units) and the scale (raw units per
// physical unit). The zero value is not usable; start from Default or New.
type State struct {
	offset int64
	scale  float64
}

// Default returns offset 0, scale 1
func Default() State {
	return State{scale: 1}
}

// New validates scale and returns a calibration
func New(scale float64, offset int64) (State, error) {
	s := Default()
	if err := s.SetScale(scale); err != nil {
		return State{}, err
	}
	s.offset = offset
	return s, nil
}

// Offset returns the tare offset in raw units
func (s State) Offset() int64 {
	return s.offset
}

// Scale returns raw units per physical unit
func (s State) Scale() float64 {
	return s.scale
}

// SetScale stores value, leaving the previous scale untouched if it is rejected
func (s *State) SetScale(value float64) error {
	if value == 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: scale %v", ErrInvalidCalibration, value)
	}
	s.scale = value
	return nil
}

// SetOffset stores the tare offset
func (s *State) SetOffset(offset int64) {
	s.offset = offset
}

// Tare stores the mean of raw as the new offset
func (s *State) Tare(raw []float64) error {
	mean, err := stats.Mean(raw)
	if err != nil {
		return fmt.Errorf("tare: %w", err)
	}
	s.offset = int64(math.Round(mean))
	return nil
}

// ToUnits converts a (possibly averaged) raw value
func (s State) ToUnits(raw float64) float64 {
	return (raw - float64(s.offset)) / s.scale
}

func (s State) String() string {
	return fmt.Sprintf("offset=%d scale=%g", s.offset, s.scale)
}
