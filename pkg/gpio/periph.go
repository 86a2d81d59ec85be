package gpio

import (
	"fmt"
	"strconv"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type periphLines struct {
	clock gpio.PinIO
	data  gpio.PinIO
}

func openPeriph(cfg LineConfig) (Lines, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	clock := gpioreg.ByName(strconv.FormatUint(uint64(cfg.ClockPin), 10))
	if clock == nil {
		return nil, fmt.Errorf("no such pin %d", cfg.ClockPin)
	}
	data := gpioreg.ByName(strconv.FormatUint(uint64(cfg.DataPin), 10))
	if data == nil {
		return nil, fmt.Errorf("no such pin %d", cfg.DataPin)
	}
	// clock idles low; high for more than 60us powers the chip down
	if err := clock.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("configure clock pin %s: %w", clock, err)
	}
	if err := data.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure data pin %s: %w", data, err)
	}
	return &periphLines{clock: clock, data: data}, nil
}

func (p *periphLines) SetClock(high bool) error {
	return p.clock.Out(gpio.Level(high))
}

func (p *periphLines) ReadData() (bool, error) {
	return bool(p.data.Read()), nil
}

func (p *periphLines) Close() error {
	// periph pins are not exclusively owned; leave the clock high so the chip
	// stays asleep once the process is gone
	return p.clock.Out(gpio.High)
}
