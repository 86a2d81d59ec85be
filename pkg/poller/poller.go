// Package poller samples a sensor on a schedule and fans the newest reading
// out to outputs, each at its own interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/multierr"

	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
	"github.com/ericogr/hx711-to-mqtt/pkg/output"
	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

// Entry is an output with its publishing interval
type Entry struct {
	Name       string
	Output     output.Output
	IntervalMs int
}

// Poller owns the scheduler driving one sensor
type Poller struct {
	sensor   sensor.Sensor
	samples  int
	interval time.Duration
	entries  []Entry

	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	latest    sensor.Reading
	seq       uint64
	published []uint64

	logger logging.Logger
}

// New creates the sampling job and one publishing job per entry. Nothing runs
// until Start.
func New(s sensor.Sensor, samples int, interval time.Duration, entries []Entry, logger logging.Logger) (*Poller, error) {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %s", interval)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		sensor:    s,
		samples:   samples,
		interval:  interval,
		entries:   entries,
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
		published: make([]uint64, len(entries)),
		logger:    logger,
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(p.sample),
		gocron.WithName("sample"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("sampling job: %w", err)
	}
	for i, e := range entries {
		if e.IntervalMs <= 0 {
			cancel()
			_ = scheduler.Shutdown()
			return nil, fmt.Errorf("output %s: invalid interval %dms", e.Name, e.IntervalMs)
		}
		if _, err := scheduler.NewJob(
			gocron.DurationJob(time.Duration(e.IntervalMs)*time.Millisecond),
			gocron.NewTask(p.publish, i),
			gocron.WithName("publish-"+e.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			cancel()
			_ = scheduler.Shutdown()
			return nil, fmt.Errorf("output %s job: %w", e.Name, err)
		}
	}
	return p, nil
}

// Start runs the jobs
func (p *Poller) Start() {
	p.logger.Infof("sampling every %s with %d samples, %d outputs", p.interval, p.samples, len(p.entries))
	p.scheduler.Start()
}

// Shutdown stops the jobs, interrupting a running read, and closes all outputs
func (p *Poller) Shutdown() error {
	p.cancel()
	err := p.scheduler.Shutdown()
	for _, e := range p.entries {
		if cerr := e.Output.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close output %s: %w", e.Name, cerr))
		}
	}
	return err
}

// Latest returns the newest reading, if any
func (p *Poller) Latest() (sensor.Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.seq > 0
}

////////////////////////////////////////////////////////////////////////////////

func (p *Poller) sample() {
	r, err := p.sensor.Read(p.ctx, sensor.ReadOptions{Samples: p.samples})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, sensor.ErrClosed):
		case errors.Is(err, sensor.ErrFaulted):
			p.logger.Warnf("sensor faulted, resetting")
			if rerr := p.sensor.Reset(p.ctx); rerr != nil {
				p.logger.Errorf("sensor reset failed: %s", rerr)
			}
		default:
			p.logger.Warnf("read failed: %s", err)
		}
		return
	}
	p.mu.Lock()
	p.latest = r
	p.seq++
	p.mu.Unlock()
}

// publish sends the newest reading to output i unless it already has it
func (p *Poller) publish(i int) {
	p.mu.Lock()
	if p.seq == 0 || p.published[i] == p.seq {
		p.mu.Unlock()
		return
	}
	r, seq := p.latest, p.seq
	p.published[i] = seq
	p.mu.Unlock()

	e := p.entries[i]
	if err := e.Output.Publish(r); err != nil {
		p.logger.Warnf("output %s publish error: %s", e.Name, err)
	}
}
