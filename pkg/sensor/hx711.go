package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/calibration"
	"github.com/ericogr/hx711-to-mqtt/pkg/config"
	"github.com/ericogr/hx711-to-mqtt/pkg/gpio"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
	"github.com/ericogr/hx711-to-mqtt/pkg/sampling"
)

// HX711Sensor is the handle of one HX711 chip.
type HX711Sensor struct {
	engine *sampling.Engine

	// opMu serializes operations so Busy always belongs to one caller
	opMu sync.Mutex

	mu     sync.Mutex
	status Status
	info   Info

	closeOnce sync.Once

	lines      gpio.Lines
	lineDriver string

	statusHandler func(Status)
	logger        logging.Logger
}

// Open claims the lines, configures the chip and applies the gain. A failure
// to claim the lines is returned as gpio.ErrHardwareUnavailable; no handle is
// returned in that case.
func Open(cfg config.Config, options ...func(*HX711Sensor)) (*HX711Sensor, error) {
	s := &HX711Sensor{
		status: Status{State: StateUninitialized},
		logger: &logging.NullLogger{},
	}
	for _, option := range options {
		option(s)
	}

	cal, err := calibration.New(cfg.Scale, cfg.Offset)
	if err != nil {
		return nil, err
	}
	gain, err := hx711.ParseGain(cfg.Gain)
	if err != nil {
		return nil, err
	}
	if cfg.ClockPin < 0 || cfg.DataPin < 0 {
		return nil, fmt.Errorf("%w: clock and data pins are required", gpio.ErrHardwareUnavailable)
	}
	lineCfg := gpio.LineConfig{ClockPin: uint(cfg.ClockPin), DataPin: uint(cfg.DataPin), Chip: cfg.GPIOChip}

	lines := s.lines
	if lines == nil {
		lines, s.lineDriver, err = gpio.Open(lineCfg, cfg.LineDrivers, s.logger)
		if err != nil {
			s.setStatus(StateUninitialized, "init failed", err)
			return nil, err
		}
	}

	dev, err := hx711.New(lines, gain, deviceOptions(cfg, s.logger)...)
	if err != nil {
		_ = lines.Close()
		s.setStatus(StateUninitialized, "init failed", err)
		return nil, err
	}
	s.engine = sampling.New(dev, cal, s.logger)
	s.info = Info{
		ClockPin:   lineCfg.ClockPin,
		DataPin:    lineCfg.DataPin,
		Gain:       int(gain),
		Scale:      cal.Scale(),
		Offset:     cal.Offset(),
		Samples:    cfg.DefaultSamples(),
		LineDriver: s.lineDriver,
	}

	// the gain only applies from the second conversion on; an unresponsive
	// chip is not fatal here, the first read retries
	ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout(cfg))
	defer cancel()
	if err := s.engine.PowerUp(ctx); err != nil {
		s.logger.Warnf("hx711 %s not responding yet: %s", lineCfg, err)
	}

	s.setStatus(StateReady, "ready", nil)
	return s, nil
}

// Read implements Sensor
func (s *HX711Sensor) Read(ctx context.Context, opts ReadOptions) (Reading, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	n := opts.Samples
	if n < 1 {
		n = s.Info().Samples
	}
	if err := s.begin(ctx, fmt.Sprintf("read(%d)", n)); err != nil {
		return Reading{}, err
	}
	r, err := s.engine.GetUnits(ctx, n, opts.Offset)
	s.end(fmt.Sprintf("ok(%d)", n), "read error", err)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Value:     r.Value,
		Raw:       r.Raw,
		Samples:   r.SampleCount,
		StdDev:    r.StdDev,
		Offset:    r.Offset,
		Scale:     r.Scale,
		Timestamp: r.Start,
		Duration:  r.Duration,
	}, nil
}

// Tare implements Sensor
func (s *HX711Sensor) Tare(ctx context.Context, samples int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	n := samples
	if n < 1 {
		n = s.Info().Samples
	}
	if err := s.begin(ctx, fmt.Sprintf("tare(%d)", n)); err != nil {
		return err
	}
	err := s.engine.Tare(ctx, n)
	if err == nil {
		s.refreshCalibration()
	}
	s.end(fmt.Sprintf("tare(%d)", n), "tare error", err)
	return err
}

// SetScale implements Sensor. A rejected value leaves state and calibration unchanged.
func (s *HX711Sensor) SetScale(ctx context.Context, value float64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Status().State == StateTerminated {
		return ErrClosed
	}
	if err := s.engine.SetScale(ctx, value); err != nil {
		return err
	}
	s.refreshCalibration()
	return nil
}

// PowerDown implements Sensor
func (s *HX711Sensor) PowerDown(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st := s.Status()
	switch st.State {
	case StateTerminated, StateSleeping:
		return
	}
	if err := s.engine.PowerDown(ctx); err != nil {
		s.logger.Warnf("power down failed: %s", err)
		return
	}
	if st.State == StateFaulted {
		return
	}
	s.setStatus(StateSleeping, "sleeping", nil)
}

// Wake implements Sensor
func (s *HX711Sensor) Wake(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.Status().State {
	case StateTerminated:
		return ErrClosed
	case StateFaulted:
		return ErrFaulted
	case StateSleeping:
		return s.wake(ctx)
	}
	return nil
}

// Reset implements Sensor. Holding the clock high powers the chip down, which
// also aborts whatever frame it was in; waking it then starts from a clean
// state at gain 128, which the discarded first conversion re-primes.
func (s *HX711Sensor) Reset(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Status().State == StateTerminated {
		return ErrClosed
	}
	if err := s.engine.PowerDown(ctx); err != nil {
		s.logger.Warnf("reset: power down failed: %s", err)
	}
	s.setStatus(StateBusy, "reset", nil)
	err := s.engine.PowerUp(ctx)
	s.end("ready", "reset error", err)
	return err
}

// Status implements Sensor
func (s *HX711Sensor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info implements Sensor
func (s *HX711Sensor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Close implements Sensor. A read blocked on the chip is interrupted first.
func (s *HX711Sensor) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Interrupt()

		s.opMu.Lock()
		defer s.opMu.Unlock()
		if err := s.engine.Close(); err != nil {
			s.logger.Warnf("hx711 shutdown: %s", err)
		}
		s.setStatus(StateTerminated, "closed", nil)
	})
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// begin must be called with opMu held
func (s *HX711Sensor) begin(ctx context.Context, msg string) error {
	switch s.Status().State {
	case StateTerminated:
		return ErrClosed
	case StateFaulted:
		return ErrFaulted
	case StateSleeping:
		s.logger.Debugf("waking sensor for %s", msg)
		if err := s.wake(ctx); err != nil {
			return err
		}
	}
	s.setStatus(StateBusy, msg, nil)
	return nil
}

// end leaves Busy: protocol errors fault the handle, anything else (timeouts
// included) leaves it ready for a retry
func (s *HX711Sensor) end(okMsg, errMsg string, err error) {
	switch {
	case err == nil:
		s.setStatus(StateReady, okMsg, nil)
	case errors.Is(err, hx711.ErrProtocol):
		s.logger.Errorf("hx711 %s: %s", errMsg, err)
		s.setStatus(StateFaulted, errMsg, err)
	default:
		s.logger.Warnf("hx711 %s: %s", errMsg, err)
		s.setStatus(StateReady, errMsg, err)
	}
}

func (s *HX711Sensor) wake(ctx context.Context) error {
	// the chip is awake even if its first conversion did not arrive
	err := s.engine.PowerUp(ctx)
	s.end("ready", "wake error", err)
	return err
}

func (s *HX711Sensor) refreshCalibration() {
	cal, err := s.engine.Calibration(context.Background())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.info.Scale = cal.Scale()
	s.info.Offset = cal.Offset()
	s.mu.Unlock()
}

func (s *HX711Sensor) setStatus(state State, msg string, err error) {
	st := Status{State: state, Message: msg, Err: err}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()

	s.logger.Debugf("hx711 status: %s (%s)", state, msg)
	if s.statusHandler != nil {
		s.statusHandler(st)
	}
}

func wakeTimeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.SettleMs+2*cfg.ReadTimeoutMs)*time.Millisecond + time.Second
}
