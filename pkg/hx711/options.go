package hx711

import (
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
)

// WithReadTimeout bounds the wait for a pending conversion
func WithReadTimeout(d time.Duration) func(*Dev) {
	return func(dev *Dev) {
		if d > 0 {
			dev.readTimeout = d
		}
	}
}

// WithPollInterval sets how often the data line is polled while waiting
func WithPollInterval(d time.Duration) func(*Dev) {
	return func(dev *Dev) {
		if d > 0 {
			dev.pollInterval = d
		}
	}
}

// WithSettleDelay sets the wait after waking the chip (zero disables it)
func WithSettleDelay(d time.Duration) func(*Dev) {
	return func(dev *Dev) {
		if d >= 0 {
			dev.settleDelay = d
		}
	}
}

// WithPulseWidth sets the clock high / low time of each pulse
func WithPulseWidth(d time.Duration) func(*Dev) {
	return func(dev *Dev) {
		dev.pulseWidth = d
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) func(*Dev) {
	return func(dev *Dev) {
		dev.logger = logger
	}
}
