package node

import (
	"context"
	"errors"
	"testing"

	"github.com/ericogr/hx711-to-mqtt/pkg/config"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711/fake"
	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

type stubSensor struct {
	sensor.Sensor

	tared   int
	lastOpt sensor.ReadOptions
	err     error
}

func (s *stubSensor) Tare(_ context.Context, n int) error {
	s.tared = n
	return s.err
}

func (s *stubSensor) Read(_ context.Context, opts sensor.ReadOptions) (sensor.Reading, error) {
	s.lastOpt = opts
	if s.err != nil {
		return sensor.Reading{}, s.err
	}
	off := int64(10)
	if opts.Offset != nil {
		off = *opts.Offset
	}
	return sensor.Reading{Value: 12.5, Samples: opts.Samples, Offset: off, Scale: 2}, nil
}

func (s *stubSensor) Info() sensor.Info {
	return sensor.Info{ClockPin: 5, DataPin: 6, Gain: 128}
}

func TestInputTare(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want int
	}{
		{"bool", Message{"tare": true}, 3},
		{"string", Message{"tare": "true", "avrg": "7"}, 7},
		{"number", Message{"tare": 1, "avrg": 4.0}, 4},
		{"zero avrg", Message{"tare": true, "avrg": 0}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &stubSensor{}
			out, err := Input(context.Background(), s, 3, tt.msg)
			if err != nil {
				t.Fatalf("input: %v", err)
			}
			if s.tared != tt.want {
				t.Fatalf("tared with %d samples; want %d", s.tared, tt.want)
			}
			payload, ok := out["payload"].(map[string]any)
			if !ok || payload["tare"] != true || payload["avrg"] != tt.want {
				t.Fatalf("unexpected payload %#v", out["payload"])
			}
		})
	}
}

func TestInputRead(t *testing.T) {
	s := &stubSensor{}
	msg := Message{"topic": "scale/1", "avrg": "5", "offset": "-40"}
	out, err := Input(context.Background(), s, 1, msg)
	if err != nil {
		t.Fatalf("input: %v", err)
	}
	if s.lastOpt.Samples != 5 || s.lastOpt.Offset == nil || *s.lastOpt.Offset != -40 {
		t.Fatalf("unexpected read options %+v", s.lastOpt)
	}
	if out["payload"] != 12.5 || out["topic"] != "scale/1" {
		t.Fatalf("unexpected message %#v", out)
	}
	meta, ok := out["hx711"].(map[string]any)
	if !ok {
		t.Fatalf("missing hx711 metadata")
	}
	if meta["avrg"] != 5 || meta["offset"] != int64(-40) || meta["gain"] != 128 || meta["sckPin"] != uint(5) || meta["dataPin"] != uint(6) {
		t.Fatalf("unexpected metadata %#v", meta)
	}
	if _, ok := msg["payload"]; ok {
		t.Fatalf("input message was modified")
	}
}

func TestInputReadWithoutOffset(t *testing.T) {
	s := &stubSensor{}
	if _, err := Input(context.Background(), s, 2, Message{}); err != nil {
		t.Fatalf("input: %v", err)
	}
	if s.lastOpt.Offset != nil || s.lastOpt.Samples != 2 {
		t.Fatalf("unexpected read options %+v", s.lastOpt)
	}
}

func TestInputErrors(t *testing.T) {
	if _, err := Input(context.Background(), &stubSensor{}, 1, Message{"offset": "heavy"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	want := errors.New("boom")
	if _, err := Input(context.Background(), &stubSensor{err: want}, 1, Message{}); !errors.Is(err, want) {
		t.Fatalf("expected sensor error, got %v", err)
	}
}

func TestInputOffsetIsRawTare(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClockPin = 5
	cfg.DataPin = 6
	cfg.ReadTimeoutMs = 50
	cfg.SettleMs = 0
	cfg.PollIntervalUs = 100
	cfg.Scale = 10
	cfg.Offset = 1000
	s, err := sensor.Open(cfg, sensor.WithLines(fake.New(fake.WithValue(5000)), "fake"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	tests := []struct {
		name  string
		msg   Message
		value float64
	}{
		{"stored tare", Message{}, 400},
		{"zero offset is untared", Message{"offset": 0}, 500},
		{"offset equal to tare", Message{"offset": 1000}, 400},
		{"raw units", Message{"offset": "3000"}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Input(context.Background(), s, 1, tt.msg)
			if err != nil {
				t.Fatalf("input: %v", err)
			}
			if out["payload"] != tt.value {
				t.Fatalf("payload = %v; want %v", out["payload"], tt.value)
			}
		})
	}
	if s.Info().Offset != 1000 {
		t.Fatalf("stored tare changed to %d", s.Info().Offset)
	}
}
