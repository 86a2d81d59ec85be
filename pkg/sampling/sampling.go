// Package sampling averages HX711 conversions on a dedicated worker.
//
// An Engine owns its Device exclusively. All operations, including
// calibration changes, run one at a time on a single goroutine locked to its
// OS thread, so readout frames of different callers never interleave and a
// conversion is never taken against a half-updated calibration.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/fatih/stopwatch"
	"github.com/montanaflynn/stats"
	"go.uber.org/multierr"

	"github.com/ericogr/hx711-to-mqtt/pkg/calibration"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("sampling engine closed")

// Reading is the result of one averaging operation.
type Reading struct {
	// Value is the mean converted to physical units
	Value float64
	// SampleCount is the number of conversions averaged
	SampleCount int
	// Raw is the mean of the raw conversions
	Raw float64
	// StdDev is the population standard deviation of the raw conversions
	StdDev float64
	// Offset and Scale are the calibration the value was converted with
	Offset int64
	Scale  float64

	Start    time.Time
	Duration time.Duration
}

// SampleError reports which conversion of an operation failed.
type SampleError struct {
	Op    string
	Index int
	Count int
	Err   error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("%s: sample %d/%d: %s", e.Op, e.Index+1, e.Count, e.Err)
}

func (e *SampleError) Unwrap() error {
	return e.Err
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Engine runs averaging and calibration operations against one chip.
type Engine struct {
	dev hx711.Device
	cal calibration.State

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	logger logging.Logger
}

// New starts the worker of an engine owning dev
func New(dev hx711.Device, cal calibration.State, logger logging.Logger) *Engine {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dev:    dev,
		cal:    cal,
		jobs:   make(chan job),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// GetUnits averages n conversions (n < 1 counts as 1). A non-nil offset
// replaces the stored tare offset for this conversion only.
func (e *Engine) GetUnits(ctx context.Context, n int, offset *int64) (Reading, error) {
	n = clampSamples(n)
	var r Reading
	err := e.submit(ctx, func(ctx context.Context) error {
		start := time.Now()
		sw := stopwatch.Start(0)
		raw, err := e.collect(ctx, "read", n)
		sw.Stop()
		if err != nil {
			return err
		}

		mean, err := stats.Mean(raw)
		if err != nil {
			return err
		}
		sd, err := stats.StandardDeviation(raw)
		if err != nil {
			return err
		}

		cal := e.cal
		if offset != nil {
			cal.SetOffset(*offset)
		}
		r = Reading{
			Value:       cal.ToUnits(mean),
			SampleCount: n,
			Raw:         mean,
			StdDev:      sd,
			Offset:      cal.Offset(),
			Scale:       cal.Scale(),
			Start:       start,
			Duration:    sw.ElapsedTime(),
		}
		return nil
	})
	return r, err
}

// Tare averages n conversions and stores the mean as the new offset. The
// stored offset is unchanged if any conversion fails.
func (e *Engine) Tare(ctx context.Context, n int) error {
	n = clampSamples(n)
	return e.submit(ctx, func(ctx context.Context) error {
		raw, err := e.collect(ctx, "tare", n)
		if err != nil {
			return err
		}
		if err := e.cal.Tare(raw); err != nil {
			return err
		}
		e.logger.Infof("tare over %d samples: offset %d", n, e.cal.Offset())
		return nil
	})
}

// SetScale stores a new scale
func (e *Engine) SetScale(ctx context.Context, value float64) error {
	return e.submit(ctx, func(context.Context) error {
		return e.cal.SetScale(value)
	})
}

// SetOffset stores a new tare offset
func (e *Engine) SetOffset(ctx context.Context, offset int64) error {
	return e.submit(ctx, func(context.Context) error {
		e.cal.SetOffset(offset)
		return nil
	})
}

// Calibration returns a copy of the current calibration
func (e *Engine) Calibration(ctx context.Context) (calibration.State, error) {
	var cal calibration.State
	err := e.submit(ctx, func(context.Context) error {
		cal = e.cal
		return nil
	})
	return cal, err
}

// PowerDown puts the chip to sleep
func (e *Engine) PowerDown(ctx context.Context) error {
	return e.submit(ctx, func(context.Context) error {
		return e.dev.PowerDown()
	})
}

// PowerUp wakes the chip
func (e *Engine) PowerUp(ctx context.Context) error {
	return e.submit(ctx, func(ctx context.Context) error {
		return e.dev.PowerUp(ctx)
	})
}

// Interrupt cancels the running operation and rejects further ones, without
// releasing the chip.
func (e *Engine) Interrupt() {
	e.cancel()
}

// Close stops the worker, then powers the chip down and releases its lines.
// It waits for a running operation to reach its next suspension point.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.closeErr = multierr.Combine(e.dev.PowerDown(), e.dev.Close())
	})
	return e.closeErr
}

////////////////////////////////////////////////////////////////////////////////

func (e *Engine) run() {
	defer e.wg.Done()

	// keep bit timing on one thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-e.jobs:
			j.done <- j.fn(j.ctx)
		}
	}
}

// submit hands fn to the worker and waits for it. fn sees a context that is
// cancelled by either the caller or Close.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	j := job{ctx: jobCtx, fn: fn, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
	return <-j.done
}

func (e *Engine) collect(ctx context.Context, op string, n int) ([]float64, error) {
	raw := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := e.dev.ReadRaw(ctx)
		if err != nil {
			return nil, &SampleError{Op: op, Index: i, Count: n, Err: err}
		}
		raw[i] = float64(v)
	}
	return raw, nil
}

func clampSamples(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
