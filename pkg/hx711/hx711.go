// Package hx711 drives an HX711 24-bit load-cell ADC over a bit-banged
// clock/data line pair.
//
// Readout: once DOUT goes low a conversion is pending. Each rising edge of
// PD_SCK shifts out one bit, MSB first; 24 data pulses are followed by 1, 2 or
// 3 extra pulses that select the gain and channel of the *next* conversion.
// Holding PD_SCK high for more than 60us powers the chip down; pulling it low
// again resets it to gain 128.
//
// A Dev is not safe for concurrent use. The sampling engine owns it
// exclusively.
package hx711

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/ericogr/hx711-to-mqtt/pkg/gpio"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
)

var (
	// ErrReadTimeout is returned when the chip does not signal a conversion in time.
	ErrReadTimeout = errors.New("hx711 read timeout")

	// ErrProtocol is returned when a readout frame could not be completed cleanly.
	ErrProtocol = errors.New("hx711 protocol error")
)

const (
	dataBits = 24

	DefaultReadTimeout  = time.Second
	DefaultPollInterval = 500 * time.Microsecond
	DefaultSettleDelay  = 400 * time.Millisecond
	DefaultPulseWidth   = time.Microsecond

	powerDownHold = 100 * time.Microsecond
)

// Device is the capability set the sampling engine needs from a chip.
type Device interface {
	// IsReady reports whether a conversion is pending. It never blocks.
	IsReady() (bool, error)

	// ReadRaw waits for the next conversion and returns it sign-extended.
	ReadRaw(ctx context.Context) (int32, error)

	// PowerDown puts the chip to sleep.
	PowerDown() error

	// PowerUp wakes the chip and discards the first conversion.
	PowerUp(ctx context.Context) error

	// Gain returns the configured gain.
	Gain() Gain

	// Close releases the lines.
	Close() error
}

// Dev is an HX711 attached to a pair of GPIO lines.
type Dev struct {
	lines gpio.Lines
	gain  Gain

	// primed is false until a frame has been clocked with the configured gain
	primed bool
	asleep bool

	readTimeout  time.Duration
	pollInterval time.Duration
	settleDelay  time.Duration
	pulseWidth   time.Duration

	logger logging.Logger
}

// New configures the chip on the given lines, executing functional options, if any
func New(lines gpio.Lines, gain Gain, options ...func(*Dev)) (*Dev, error) {
	if !gain.Valid() {
		return nil, fmt.Errorf("invalid gain %d", int(gain))
	}

	d := &Dev{
		lines:        lines,
		gain:         gain,
		readTimeout:  DefaultReadTimeout,
		pollInterval: DefaultPollInterval,
		settleDelay:  DefaultSettleDelay,
		pulseWidth:   DefaultPulseWidth,
		logger:       &logging.NullLogger{},
	}
	for _, option := range options {
		option(d)
	}

	if err := lines.SetClock(false); err != nil {
		return nil, fmt.Errorf("%w: drive clock low: %w", gpio.ErrHardwareUnavailable, err)
	}
	return d, nil
}

// Gain returns the configured gain
func (d *Dev) Gain() Gain {
	return d.gain
}

// SetGain changes the gain. The change only takes effect after one more
// conversion, which the next ReadRaw discards.
func (d *Dev) SetGain(gain Gain) error {
	if !gain.Valid() {
		return fmt.Errorf("invalid gain %d", int(gain))
	}
	if gain != d.gain {
		d.gain = gain
		d.primed = false
	}
	return nil
}

// IsReady reports whether the data line is low
func (d *Dev) IsReady() (bool, error) {
	if d.asleep {
		return false, nil
	}
	high, err := d.lines.ReadData()
	if err != nil {
		return false, err
	}
	return !high, nil
}

// ReadRaw returns one conversion, discarding a priming conversion first if the
// gain has not been applied yet.
func (d *Dev) ReadRaw(ctx context.Context) (int32, error) {
	if !d.primed {
		if _, err := d.convert(ctx); err != nil {
			return 0, fmt.Errorf("apply gain %s: %w", d.gain, err)
		}
		d.logger.Debugf("gain %s applied", d.gain)
	}
	return d.convert(ctx)
}

// PowerDown holds the clock line high until the chip sleeps
func (d *Dev) PowerDown() error {
	if err := d.lines.SetClock(false); err != nil {
		return err
	}
	if err := d.lines.SetClock(true); err != nil {
		return err
	}
	time.Sleep(powerDownHold)
	d.asleep = true
	return nil
}

// PowerUp pulls the clock low, waits for the chip to settle and discards the
// first conversion, which also reapplies the gain lost on reset.
func (d *Dev) PowerUp(ctx context.Context) error {
	if err := d.lines.SetClock(false); err != nil {
		return err
	}
	d.asleep = false
	d.primed = false

	if d.settleDelay > 0 {
		t := time.NewTimer(d.settleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if _, err := d.convert(ctx); err != nil {
		return fmt.Errorf("discard first conversion: %w", err)
	}
	return nil
}

// Close releases the lines
func (d *Dev) Close() error {
	return d.lines.Close()
}

////////////////////////////////////////////////////////////////////////////////

func (d *Dev) convert(ctx context.Context) (int32, error) {
	if err := d.waitReady(ctx); err != nil {
		return 0, err
	}
	raw, err := d.frame()
	if err != nil {
		return 0, err
	}
	d.primed = true
	return signExtend(raw), nil
}

func (d *Dev) waitReady(ctx context.Context) error {
	if d.asleep {
		return fmt.Errorf("%w: chip is powered down", ErrReadTimeout)
	}

	deadline := time.Now().Add(d.readTimeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		ready, err := d.IsReady()
		if err != nil {
			// no frame has started, the chip state is intact
			return fmt.Errorf("poll data line: %w", err)
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no conversion within %s", ErrReadTimeout, d.readTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// frame clocks out one full readout. Every pulse of the frame is issued even
// after a line error so the chip is never left with a partial gain selection.
func (d *Dev) frame() (uint32, error) {
	var (
		raw  uint32
		errs error
	)
	pulses := d.gain.Pulses()
	for i := 0; i < pulses; i++ {
		bit, err := d.pulse(i < dataBits)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pulse %d: %w", i+1, err))
		}
		if i < dataBits {
			raw <<= 1
			if bit {
				raw |= 1
			}
		}
	}

	// DOUT goes high after the last pulse until the next conversion is ready
	released, err := d.lines.ReadData()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("read data line after frame: %w", err))
	} else if !released {
		errs = multierr.Append(errs, fmt.Errorf("data line still low after %d pulses", pulses))
	}

	if errs != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, errs)
	}
	return raw, nil
}

func (d *Dev) pulse(sample bool) (bit bool, err error) {
	if err = d.lines.SetClock(true); err != nil {
		// drop the clock anyway, a clock left high powers the chip down
		return false, multierr.Append(err, d.lines.SetClock(false))
	}
	delay(d.pulseWidth)
	if sample {
		bit, err = d.lines.ReadData()
	}
	err = multierr.Append(err, d.lines.SetClock(false))
	delay(d.pulseWidth)
	return bit, err
}

// signExtend converts a 24-bit two's complement value
func signExtend(raw uint32) int32 {
	return int32(raw<<8) >> 8
}

// delay spins: sleeping would overshoot the 60us power-down threshold
func delay(d time.Duration) {
	if d <= 0 {
		return
	}
	for start := time.Now(); time.Since(start) < d; {
	}
}
