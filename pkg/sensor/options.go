package sensor

import (
	"github.com/ericogr/hx711-to-mqtt/pkg/gpio"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) func(*HX711Sensor) {
	return func(s *HX711Sensor) {
		s.logger = logger
	}
}

// WithStatusHandler defines a handler function that is called upon state change
func WithStatusHandler(fn func(Status)) func(*HX711Sensor) {
	return func(s *HX711Sensor) {
		s.statusHandler = fn
	}
}

// WithLines uses already claimed lines instead of opening the configured drivers
func WithLines(lines gpio.Lines, name string) func(*HX711Sensor) {
	return func(s *HX711Sensor) {
		s.lines = lines
		s.lineDriver = name
	}
}
