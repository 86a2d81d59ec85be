//go:build linux

package gpio

import (
	"fmt"

	"github.com/mkch/gpio"
	"go.uber.org/multierr"
)

const consumer = "hx711"

type cdevLines struct {
	clock *gpio.Line
	data  *gpio.Line
}

func openCdev(cfg LineConfig) (Lines, error) {
	path := cfg.Chip
	if path == "" {
		path = DefaultChip
	}
	chip, err := gpio.OpenChip(path)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", path, err)
	}
	// lines stay requested after the chip handle is closed
	defer chip.Close()

	clock, err := chip.OpenLine(uint32(cfg.ClockPin), 0, gpio.Output, consumer)
	if err != nil {
		return nil, fmt.Errorf("request clock line %d: %w", cfg.ClockPin, err)
	}
	data, err := chip.OpenLine(uint32(cfg.DataPin), 0, gpio.Input, consumer)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("request data line %d: %w", cfg.DataPin, err), clock.Close())
	}
	return &cdevLines{clock: clock, data: data}, nil
}

func (c *cdevLines) SetClock(high bool) error {
	var value byte
	if high {
		value = 1
	}
	return c.clock.SetValue(value)
}

func (c *cdevLines) ReadData() (bool, error) {
	value, err := c.data.Value()
	if err != nil {
		return false, err
	}
	return value != 0, nil
}

func (c *cdevLines) Close() error {
	return multierr.Combine(c.clock.Close(), c.data.Close())
}
