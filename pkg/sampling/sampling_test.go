package sampling

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/calibration"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711/fake"
)

func newTestEngine(t *testing.T, chip *fake.Chip, gain hx711.Gain, cal calibration.State) *Engine {
	t.Helper()
	dev, err := hx711.New(chip, gain,
		hx711.WithReadTimeout(50*time.Millisecond),
		hx711.WithPollInterval(100*time.Microsecond),
		hx711.WithSettleDelay(0),
	)
	if err != nil {
		t.Fatalf("new dev: %v", err)
	}
	e := New(dev, cal, nil)
	t.Cleanup(func() { _ = e.Close() })

	// apply the gain so every later read costs exactly one frame
	if err := e.PowerUp(context.Background()); err != nil {
		t.Fatalf("power up: %v", err)
	}
	chip.ResetFrames()
	return e
}

func TestGetUnitsIssuesOneFramePerSample(t *testing.T) {
	for _, n := range []int{1, 2, 5, 16} {
		chip := fake.New(fake.WithValue(1000))
		e := newTestEngine(t, chip, hx711.Gain128, calibration.Default())

		r, err := e.GetUnits(context.Background(), n, nil)
		if err != nil {
			t.Fatalf("get units: %v", err)
		}
		if r.SampleCount != n {
			t.Fatalf("sample count = %d; want %d", r.SampleCount, n)
		}
		if got := len(chip.Frames()); got != n {
			t.Fatalf("n=%d: %d frames", n, got)
		}
		if r.Value != 1000 || r.Raw != 1000 || r.StdDev != 0 {
			t.Fatalf("unexpected reading %+v", r)
		}
	}
}

func TestGetUnitsClampsSampleCount(t *testing.T) {
	chip := fake.New(fake.WithValue(3))
	e := newTestEngine(t, chip, hx711.Gain128, calibration.Default())

	r, err := e.GetUnits(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("get units: %v", err)
	}
	if r.SampleCount != 1 || len(chip.Frames()) != 1 {
		t.Fatalf("sample count %d, frames %d; want 1", r.SampleCount, len(chip.Frames()))
	}
}

func TestGetUnitsGain64Pulses(t *testing.T) {
	chip := fake.New(fake.WithValue(10))
	e := newTestEngine(t, chip, hx711.Gain64, calibration.Default())

	if _, err := e.GetUnits(context.Background(), 3, nil); err != nil {
		t.Fatalf("get units: %v", err)
	}
	for _, f := range chip.Frames() {
		if f.Pulses != 27 || f.Gain != 64 {
			t.Fatalf("frame %+v; want 27 pulses at gain 64", f)
		}
	}
}

func TestGetUnitsAveragesAndConverts(t *testing.T) {
	values := []int32{100, 200, 300, 400}
	var i int
	chip := fake.New(fake.WithValueFunc(func() int32 {
		v := values[i%len(values)]
		i++
		return v
	}))
	cal, err := calibration.New(2, 50)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	e := newTestEngine(t, chip, hx711.Gain128, cal)
	i = 0

	r, err := e.GetUnits(context.Background(), 4, nil)
	if err != nil {
		t.Fatalf("get units: %v", err)
	}
	if r.Raw != 250 {
		t.Fatalf("raw mean = %v; want 250", r.Raw)
	}
	if r.Value != 100 {
		t.Fatalf("value = %v; want (250-50)/2", r.Value)
	}
	if math.Abs(r.StdDev-math.Sqrt(12500)) > 1e-9 {
		t.Fatalf("stddev = %v", r.StdDev)
	}
}

func TestTareThenRead(t *testing.T) {
	chip := fake.New(fake.WithValue(-84213))
	cal, _ := calibration.New(-420.5, 0)
	e := newTestEngine(t, chip, hx711.Gain128, cal)

	if err := e.Tare(context.Background(), 8); err != nil {
		t.Fatalf("tare: %v", err)
	}
	r, err := e.GetUnits(context.Background(), 8, nil)
	if err != nil {
		t.Fatalf("get units: %v", err)
	}
	if math.Abs(r.Value) > 1e-9 {
		t.Fatalf("value after tare = %v; want 0", r.Value)
	}
	if r.Offset != -84213 {
		t.Fatalf("offset = %d", r.Offset)
	}
}

func TestOffsetOverrideDoesNotMutate(t *testing.T) {
	chip := fake.New(fake.WithValue(500))
	e := newTestEngine(t, chip, hx711.Gain128, calibration.Default())

	override := int64(400)
	r, err := e.GetUnits(context.Background(), 1, &override)
	if err != nil {
		t.Fatalf("get units: %v", err)
	}
	if r.Value != 100 {
		t.Fatalf("value = %v; want 100", r.Value)
	}
	cal, err := e.Calibration(context.Background())
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	if cal.Offset() != 0 {
		t.Fatalf("stored offset changed to %d", cal.Offset())
	}
}

func TestReadTimeoutAbortsAverage(t *testing.T) {
	chip := fake.New(fake.WithValue(1))
	e := newTestEngine(t, chip, hx711.Gain128, calibration.Default())
	chip.SetReady(false)

	start := time.Now()
	_, err := e.GetUnits(context.Background(), 4, nil)
	if !errors.Is(err, hx711.ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
	var se *SampleError
	if !errors.As(err, &se) || se.Op != "read" || se.Index != 0 || se.Count != 4 {
		t.Fatalf("unexpected sample error %#v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("read did not honour the timeout")
	}
}

func TestFailedTareKeepsOffset(t *testing.T) {
	chip := fake.New(fake.WithValue(10))
	cal, _ := calibration.New(1, 7)
	e := newTestEngine(t, chip, hx711.Gain128, cal)
	chip.SetReady(false)

	if err := e.Tare(context.Background(), 3); !errors.Is(err, hx711.ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
	got, _ := e.Calibration(context.Background())
	if got.Offset() != 7 {
		t.Fatalf("offset = %d; want 7", got.Offset())
	}
}

func TestSetScale(t *testing.T) {
	chip := fake.New(fake.WithValue(10))
	e := newTestEngine(t, chip, hx711.Gain128, calibration.Default())

	if err := e.SetScale(context.Background(), 0); !errors.Is(err, calibration.ErrInvalidCalibration) {
		t.Fatalf("expected ErrInvalidCalibration, got %v", err)
	}
	if err := e.SetScale(context.Background(), math.NaN()); !errors.Is(err, calibration.ErrInvalidCalibration) {
		t.Fatalf("expected ErrInvalidCalibration, got %v", err)
	}
	if err := e.SetScale(context.Background(), 5); err != nil {
		t.Fatalf("set scale: %v", err)
	}
	r, err := e.GetUnits(context.Background(), 1, nil)
	if err != nil || r.Value != 2 {
		t.Fatalf("reading = %+v, %v", r, err)
	}
}

func TestConcurrentReadsDoNotInterleave(t *testing.T) {
	chip := fake.New(fake.WithValue(777))
	e := newTestEngine(t, chip, hx711.Gain128, calibration.Default())

	const (
		callers = 4
		samples = 5
	)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		readings []Reading
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.GetUnits(context.Background(), samples, nil)
			if err != nil {
				t.Errorf("get units: %v", err)
				return
			}
			mu.Lock()
			readings = append(readings, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	frames := chip.Frames()
	if len(frames) != callers*samples {
		t.Fatalf("got %d frames; want %d", len(frames), callers*samples)
	}
	for i, f := range frames {
		if f.Pulses != 25 || f.Value != 777 {
			t.Fatalf("frame %d corrupted: %+v", i, f)
		}
	}

	sort.Slice(readings, func(i, j int) bool { return readings[i].Start.Before(readings[j].Start) })
	for i := 1; i < len(readings); i++ {
		prevEnd := readings[i-1].Start.Add(readings[i-1].Duration)
		if readings[i].Start.Before(prevEnd) {
			t.Fatalf("operation %d started before operation %d finished", i, i-1)
		}
	}
}

func TestCancelInterruptsWait(t *testing.T) {
	chip := fake.New()
	dev, err := hx711.New(chip, hx711.Gain128, hx711.WithReadTimeout(time.Hour), hx711.WithSettleDelay(0))
	if err != nil {
		t.Fatalf("new dev: %v", err)
	}
	e := New(dev, calibration.Default(), nil)
	chip.SetReady(false)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.GetUnits(context.Background(), 1, nil)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read was not interrupted by close")
	}
	if !chip.Closed() || !chip.Asleep() {
		t.Fatalf("close should power the chip down and release the lines")
	}
	if _, err := e.GetUnits(context.Background(), 1, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
