// Package gpio provides the two digital lines an HX711 is wired to: a clock
// output (PD_SCK) and a data input (DOUT). Backends are selected by name at
// open time, trying each in order until one claims both pins.
package gpio

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
)

// ErrHardwareUnavailable is returned when a pin cannot be claimed.
var ErrHardwareUnavailable = errors.New("gpio hardware unavailable")

const (
	DriverPeriph   = "periph"
	DriverGPIOCdev = "gpiocdev"

	DefaultChip = "/dev/gpiochip0"
)

// DefaultDrivers is the fallback order used when none is configured.
var DefaultDrivers = []string{DriverPeriph, DriverGPIOCdev}

// LineConfig identifies the pins (BCM / line offsets) of one chip.
type LineConfig struct {
	ClockPin uint
	DataPin  uint
	// Chip is the character device used by the gpiocdev backend.
	Chip string
}

func (c LineConfig) String() string {
	return fmt.Sprintf("sck=%d dout=%d", c.ClockPin, c.DataPin)
}

// Lines is a claimed clock/data line pair.
type Lines interface {
	// SetClock drives the clock line high or low.
	SetClock(high bool) error
	// ReadData samples the data line.
	ReadData() (bool, error)
	// Close releases both lines.
	Close() error
}

// Opener claims the lines described by a LineConfig.
type Opener func(cfg LineConfig) (Lines, error)

var drivers = map[string]Opener{
	DriverPeriph:   openPeriph,
	DriverGPIOCdev: openCdev,
}

// Drivers lists the registered backend names.
func Drivers() []string {
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open tries each named backend in order and returns the first one that
// claims both lines, together with its name.
func Open(cfg LineConfig, names []string, logger logging.Logger) (Lines, string, error) {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	if cfg.ClockPin == cfg.DataPin {
		return nil, "", fmt.Errorf("%w: clock and data share pin %d", ErrHardwareUnavailable, cfg.ClockPin)
	}
	if len(names) == 0 {
		names = DefaultDrivers
	}

	var errs error
	for _, name := range names {
		open, ok := drivers[name]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%s: unknown line driver", name))
			continue
		}
		lines, err := open(cfg)
		if err != nil {
			logger.Debugf("line driver %s unavailable for %s: %s", name, cfg, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Infof("using line driver %s for %s", name, cfg)
		return lines, name, nil
	}
	return nil, "", fmt.Errorf("%w: %s: %w", ErrHardwareUnavailable, cfg, errs)
}
