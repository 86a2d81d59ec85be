// Package fake simulates an HX711 behind a clock/data line pair. It counts the
// pulses of every readout frame, applies the gain selected by the pulse count
// and models power-down, so drivers can be tested without hardware.
package fake

import (
	"sync"
	"time"
)

const (
	maxRaw = 1<<23 - 1
	minRaw = -1 << 23

	// DefaultPowerDownAfter is the clock-high time after which the chip sleeps
	DefaultPowerDownAfter = 60 * time.Microsecond
)

// Frame records one readout as the chip saw it.
type Frame struct {
	// Pulses is the number of clock pulses of the frame
	Pulses int
	// Value is the conversion shifted out
	Value int32
	// Gain is the gain the conversion was taken with
	Gain int
}

// Chip is a simulated HX711. It implements gpio.Lines.
type Chip struct {
	mu sync.Mutex

	valueFn    func() int32
	neverReady bool
	stuckLow   bool
	writeErr   error

	clock       bool
	clockHighAt time.Time
	sampled     bool

	gain    int
	pulses  int
	current int32

	frames         []Frame
	wakeups        int
	closed         bool
	powerDownAfter time.Duration
}

// New instantiates a new simulated chip, executing functional options, if any
func New(options ...func(*Chip)) *Chip {
	c := &Chip{
		valueFn:        func() int32 { return 0 },
		gain:           128,
		powerDownAfter: DefaultPowerDownAfter,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// WithValue makes every conversion return v
func WithValue(v int32) func(*Chip) {
	return func(c *Chip) {
		c.valueFn = func() int32 { return v }
	}
}

// WithValueFunc generates conversions from fn
func WithValueFunc(fn func() int32) func(*Chip) {
	return func(c *Chip) {
		c.valueFn = fn
	}
}

// SetValue makes every following conversion return v
func (c *Chip) SetValue(v int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valueFn = func() int32 { return v }
}

// SetReady controls whether conversions ever become ready
func (c *Chip) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neverReady = !ready
}

// SetStuckLow holds the data line low regardless of the protocol state
func (c *Chip) SetStuckLow(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stuckLow = stuck
}

// SetWriteError makes clock writes and Close fail with err
func (c *Chip) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Frames returns the completed readout frames
func (c *Chip) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// ResetFrames forgets all recorded frames
func (c *Chip) ResetFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// Wakeups returns how often the chip came out of power-down
func (c *Chip) Wakeups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeups
}

// Asleep reports whether the chip is currently powered down
func (c *Chip) Asleep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asleep(time.Now())
}

// Gain returns the gain the next conversion will be taken with
func (c *Chip) Gain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

// Closed reports whether Close was called
func (c *Chip) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetClock implements gpio.Lines
func (c *Chip) SetClock(high bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}
	if high == c.clock {
		return nil
	}

	now := time.Now()
	if high {
		c.clock = true
		c.clockHighAt = now
		c.sampled = false
		if c.pulses == 0 {
			if !c.ready() {
				return nil
			}
			c.current = clamp(c.valueFn())
		}
		c.pulses++
		return nil
	}

	wasAsleep := c.asleep(now)
	c.clock = false
	if wasAsleep {
		// waking up resets the chip
		c.pulses = 0
		c.gain = 128
		c.wakeups++
	}
	return nil
}

// ReadData implements gpio.Lines
func (c *Chip) ReadData() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clock {
		c.sampled = true
	}
	if c.stuckLow {
		return false, nil
	}
	if c.asleep(time.Now()) {
		return true, nil
	}

	switch {
	case c.pulses == 0:
		return !c.ready(), nil
	case c.pulses <= 24:
		bit := (uint32(c.current) & 0xFFFFFF) >> (24 - c.pulses) & 1
		return bit == 1, nil
	case !c.clock:
		c.finishFrame()
	}
	return true, nil
}

// Close implements gpio.Lines
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.writeErr
}

////////////////////////////////////////////////////////////////////////////////

func (c *Chip) ready() bool {
	return !c.neverReady
}

// asleep: the clock has been held high long enough outside of a readout. A
// pulse during which the data line was sampled is never a power-down.
func (c *Chip) asleep(now time.Time) bool {
	return c.clock && c.pulses <= 1 && !c.sampled && now.Sub(c.clockHighAt) >= c.powerDownAfter
}

func (c *Chip) finishFrame() {
	c.frames = append(c.frames, Frame{Pulses: c.pulses, Value: c.current, Gain: c.gain})
	switch c.pulses {
	case 25:
		c.gain = 128
	case 26:
		c.gain = 32
	case 27:
		c.gain = 64
	}
	c.pulses = 0
}

func clamp(v int32) int32 {
	if v > maxRaw {
		return maxRaw
	}
	if v < minRaw {
		return minRaw
	}
	return v
}
