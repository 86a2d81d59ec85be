package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/api"
	"github.com/ericogr/hx711-to-mqtt/pkg/config"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
	"github.com/ericogr/hx711-to-mqtt/pkg/node"
	"github.com/ericogr/hx711-to-mqtt/pkg/output/console"
	"github.com/ericogr/hx711-to-mqtt/pkg/output/mqtt"
	"github.com/ericogr/hx711-to-mqtt/pkg/poller"
	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(2)
	}

	logger := logging.NewDefaultLogger(cfg.Debug)
	defer func() { _ = logger.Sync() }()

	s, err := openSensor(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to open sensor: %s", err)
	}
	info := s.Info()
	logger.Infof("hx711 ready on %s lines (sck=%d dout=%d gain=%d scale=%v offset=%d)",
		info.LineDriver, info.ClockPin, info.DataPin, info.Gain, info.Scale, info.Offset)

	entries, err := initOutputs(&cfg, cfg.IntervalMs, logger)
	if err != nil {
		_ = s.Close()
		logger.Fatalf("failed to set up outputs: %s", err)
	}

	handler := func(ctx context.Context, msg node.Message) (node.Message, error) {
		return node.Input(ctx, s, cfg.DefaultSamples(), msg)
	}
	for _, e := range entries {
		if m, ok := e.Output.(*mqtt.MQTTOutput); ok {
			if err := m.HandleCommands(handler); err != nil {
				logger.Errorf("%s", err)
			}
		}
	}

	interval := time.Duration(computeSensorInterval(cfg)) * time.Millisecond
	p, err := poller.New(s, cfg.DefaultSamples(), interval, entries, logger)
	if err != nil {
		_ = s.Close()
		logger.Fatalf("failed to set up poller: %s", err)
	}
	p.Start()

	var httpAPI *api.API
	if cfg.HTTP.Listen != "" {
		httpAPI = api.New(s, cfg.DefaultSamples(), logger)
		httpAPI.Listen(cfg.HTTP.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	if httpAPI != nil {
		if err := httpAPI.Shutdown(); err != nil {
			logger.Warnf("http api shutdown: %s", err)
		}
	}
	if err := p.Shutdown(); err != nil {
		logger.Warnf("poller shutdown: %s", err)
	}
	// powers the chip down, never fails
	_ = s.Close()
	logger.Info("bye")
}

func openSensor(cfg config.Config, logger logging.Logger) (*sensor.HX711Sensor, error) {
	options := []func(*sensor.HX711Sensor){
		sensor.WithLogger(logger),
		sensor.WithStatusHandler(func(st sensor.Status) {
			if st.Err != nil {
				logger.Debugf("sensor %s: %s (%s)", st.State, st.Message, st.Err)
			}
		}),
	}
	if cfg.SensorType == "simulation" {
		logger.Infof("using simulated hx711 around raw %d", cfg.SimulatedRaw)
		return sensor.NewSimulated(cfg, options...)
	}
	return sensor.Open(cfg, options...)
}

// computeSensorInterval returns the sampling interval in ms: the configured
// interval, but never shorter than the time the chip needs for one averaged
// reading at its output data rate
func computeSensorInterval(cfg config.Config) int {
	rate := cfg.RateSPS
	if rate <= 0 {
		rate = 10
	}
	samples := cfg.DefaultSamples()
	minMs := (samples*1000 + rate - 1) / rate
	if cfg.IntervalMs < minMs {
		return minMs
	}
	return cfg.IntervalMs
}

// initOutputs creates the configured outputs; outputs without an interval get
// defaultInterval, which is written back to cfg
func initOutputs(cfg *config.Config, defaultInterval int, logger logging.Logger) ([]poller.Entry, error) {
	entries := make([]poller.Entry, 0, len(cfg.Outputs))
	closeAll := func() {
		for _, e := range entries {
			_ = e.Output.Close()
		}
	}
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs <= 0 {
			oc.IntervalMs = defaultInterval
		}
		switch strings.ToLower(oc.Type) {
		case "console":
			entries = append(entries, poller.Entry{Name: "console", Output: console.NewConsole(), IntervalMs: oc.IntervalMs})
		case "mqtt":
			var mc config.MQTTConfig
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			m, err := mqtt.NewMQTT(mc, logger)
			if err != nil {
				closeAll()
				return nil, err
			}
			entries = append(entries, poller.Entry{Name: "mqtt", Output: m, IntervalMs: oc.IntervalMs})
		default:
			closeAll()
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
	}
	return entries, nil
}
