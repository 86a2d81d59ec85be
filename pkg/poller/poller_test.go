package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

type countingSensor struct {
	sensor.Sensor

	mu     sync.Mutex
	reads  int
	resets int
	err    error
}

func (s *countingSensor) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	if s.err == sensor.ErrFaulted {
		s.err = nil
	}
	return nil
}

func (s *countingSensor) Read(_ context.Context, opts sensor.ReadOptions) (sensor.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sensor.Reading{}, s.err
	}
	s.reads++
	return sensor.Reading{Value: float64(s.reads), Samples: opts.Samples}, nil
}

type recordingOutput struct {
	mu       sync.Mutex
	readings []sensor.Reading
	closed   bool
}

func (o *recordingOutput) Publish(r sensor.Reading) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readings = append(o.readings, r)
	return nil
}

func (o *recordingOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *recordingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.readings)
}

func TestPublishOnlyNewReadings(t *testing.T) {
	s := &countingSensor{}
	out := &recordingOutput{}
	p, err := New(s, 3, time.Hour, []Entry{{Name: "rec", Output: out, IntervalMs: 1000}}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Shutdown()

	p.publish(0)
	if out.count() != 0 {
		t.Fatalf("published before the first reading")
	}

	p.sample()
	p.publish(0)
	p.publish(0)
	if out.count() != 1 {
		t.Fatalf("published %d times; want 1", out.count())
	}
	if out.readings[0].Samples != 3 {
		t.Fatalf("sample count not passed: %+v", out.readings[0])
	}

	p.sample()
	p.publish(0)
	if out.count() != 2 || out.readings[1].Value != 2 {
		t.Fatalf("newest reading not published: %+v", out.readings)
	}
}

func TestFailedReadKeepsLatest(t *testing.T) {
	s := &countingSensor{}
	p, err := New(s, 1, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Shutdown()

	if _, ok := p.Latest(); ok {
		t.Fatalf("latest reading before any sample")
	}
	p.sample()
	s.err = errors.New("read timeout")
	p.sample()
	r, ok := p.Latest()
	if !ok || r.Value != 1 {
		t.Fatalf("latest = %+v, %v", r, ok)
	}
	if s.resets != 0 {
		t.Fatalf("reset after a plain read error")
	}
}

func TestFaultedSensorIsReset(t *testing.T) {
	s := &countingSensor{err: sensor.ErrFaulted}
	p, err := New(s, 1, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Shutdown()

	p.sample()
	if s.resets != 1 {
		t.Fatalf("resets = %d; want 1", s.resets)
	}
	if _, ok := p.Latest(); ok {
		t.Fatalf("faulted read produced a reading")
	}

	p.sample()
	if r, ok := p.Latest(); !ok || r.Value != 1 {
		t.Fatalf("latest after reset = %+v, %v", r, ok)
	}
}

func TestInvalidIntervals(t *testing.T) {
	if _, err := New(&countingSensor{}, 1, 0, nil, nil); err == nil {
		t.Fatalf("expected error for zero sampling interval")
	}
	entries := []Entry{{Name: "bad", Output: &recordingOutput{}, IntervalMs: 0}}
	if _, err := New(&countingSensor{}, 1, time.Second, entries, nil); err == nil {
		t.Fatalf("expected error for zero output interval")
	}
}

func TestScheduledRun(t *testing.T) {
	s := &countingSensor{}
	out := &recordingOutput{}
	p, err := New(s, 1, 10*time.Millisecond, []Entry{{Name: "rec", Output: out, IntervalMs: 10}}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start()

	deadline := time.Now().Add(2 * time.Second)
	for out.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if out.count() < 2 {
		t.Fatalf("only %d readings published", out.count())
	}
	if err := p.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("shutdown: %v", err)
	}
	if !out.closed {
		t.Fatalf("output not closed")
	}
}
