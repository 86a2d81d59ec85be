package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

type MQTTConfig struct {
	Server            string `json:"server"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	ClientID          string `json:"client_id"`
	StateTopic        string `json:"state_topic"`
	CommandTopic      string `json:"command_topic,omitempty"`
	ResponseTopic     string `json:"response_topic,omitempty"`
	DiscoveryTopic    string `json:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty"`
	Unit              string `json:"unit,omitempty"`
}

type OutputConfig struct {
	Type       string      `json:"type"`
	IntervalMs int         `json:"interval_ms,omitempty"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty"`
}

type HTTPConfig struct {
	Listen string `json:"listen"`
}

type Config struct {
	// ClockPin and DataPin are -1 until configured
	ClockPin       int            `json:"clock_pin"`
	DataPin        int            `json:"data_pin"`
	Gain           int            `json:"gain"`
	Scale          float64        `json:"scale"`
	Offset         int64          `json:"offset"`
	Samples        int            `json:"samples"`
	ReadTimeoutMs  int            `json:"read_timeout_ms"`
	SettleMs       int            `json:"settle_ms"`
	PollIntervalUs int            `json:"poll_interval_us"`
	RateSPS        int            `json:"rate_sps"`
	GPIOChip       string         `json:"gpio_chip"`
	LineDrivers    []string       `json:"line_drivers"`
	SensorType     string         `json:"sensor_type"`
	SimulatedRaw   int32          `json:"simulated_raw,omitempty"`
	IntervalMs     int            `json:"interval_ms"`
	Outputs        []OutputConfig `json:"outputs"`
	HTTP           HTTPConfig     `json:"http"`
	Debug          bool           `json:"debug"`
}

func DefaultConfig() Config {
	return Config{
		ClockPin:       -1,
		DataPin:        -1,
		Gain:           128,
		Scale:          1.0,
		Offset:         0,
		Samples:        1,
		ReadTimeoutMs:  1000,
		SettleMs:       400,
		PollIntervalUs: 500,
		RateSPS:        10,
		GPIOChip:       "/dev/gpiochip0",
		LineDrivers:    []string{"periph", "gpiocdev"},
		SensorType:     "real",
		Outputs:        []OutputConfig{{Type: "console", IntervalMs: 1000}},
		IntervalMs:     1000,
	}
}

// LoadFromFlags loads configuration from the command line of the process.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load reads a JSON file (optional) and applies flags on top of it.
// Flags override values present in the JSON file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("hx711-to-mqtt", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON config file")
	flagClockPin := fs.Int("clock-pin", -1, "HX711 PD_SCK pin (BCM number / line offset)")
	flagDataPin := fs.Int("data-pin", -1, "HX711 DOUT pin (BCM number / line offset)")
	flagGain := fs.Int("gain", -1, "HX711 gain: 128, 64 (channel A) or 32 (channel B)")
	flagScale := fs.Float64("scale", math.NaN(), "Raw units per physical unit (non-zero)")
	flagOffset := fs.String("offset", "", "Tare offset in raw units")
	flagSamples := fs.Int("samples", -1, "Conversions averaged per reading")
	flagReadTimeout := fs.Int("read-timeout-ms", -1, "Maximum wait for a conversion")
	flagSettle := fs.Int("settle-ms", -1, "Wait after waking the chip")
	flagRate := fs.Int("rate-sps", -1, "HX711 output data rate (10 or 80)")
	flagChip := fs.String("gpio-chip", "", "GPIO character device for the gpiocdev line driver")
	flagDrivers := fs.String("line-drivers", "", "Comma-separated line drivers tried in order (periph,gpiocdev)")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic")
	flagCommandTopic := fs.String("mqtt-command-topic", "", "MQTT topic accepting read/tare messages")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagInterval := fs.Int("interval-ms", -1, "Sampling interval in ms")
	flagHTTP := fs.String("http-listen", "", "HTTP API listen address (e.g. :8080)")
	flagDebug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if *flagClockPin != -1 {
		cfg.ClockPin = *flagClockPin
	}
	if *flagDataPin != -1 {
		cfg.DataPin = *flagDataPin
	}
	if *flagGain != -1 {
		cfg.Gain = *flagGain
	}
	if !math.IsNaN(*flagScale) {
		cfg.Scale = *flagScale
	}
	if *flagOffset != "" {
		v, err := strconv.ParseInt(*flagOffset, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("offset: %w", err)
		}
		cfg.Offset = v
	}
	if *flagSamples != -1 {
		cfg.Samples = *flagSamples
	}
	if *flagReadTimeout != -1 {
		cfg.ReadTimeoutMs = *flagReadTimeout
	}
	if *flagSettle != -1 {
		cfg.SettleMs = *flagSettle
	}
	if *flagRate != -1 {
		cfg.RateSPS = *flagRate
	}
	if *flagChip != "" {
		cfg.GPIOChip = *flagChip
	}
	if *flagDrivers != "" {
		cfg.LineDrivers = parseCSV(*flagDrivers)
	}
	if *flagOutputs != "" {
		// convert simple CSV of types into structured OutputConfig entries
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, IntervalMs: cfg.IntervalMs})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		outIntervals, err := parseKeyIntMap(*flagOutputIntervals)
		if err != nil {
			return cfg, fmt.Errorf("output-intervals: %w", err)
		}
		for i := range cfg.Outputs {
			if v, ok := outIntervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	mqttFlags := MQTTConfig{
		Server:       *flagMQTTServer,
		Username:     *flagMQTTUser,
		Password:     *flagMQTTPass,
		ClientID:     *flagClientID,
		StateTopic:   *flagTopic,
		CommandTopic: *flagCommandTopic,
	}
	if mqttFlags != (MQTTConfig{}) {
		// Apply MQTT flags to all mqtt outputs; if none exist, create one.
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == "mqtt" {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				mergeMQTT(cfg.Outputs[i].MQTT, mqttFlags)
				applied = true
			}
		}
		if !applied {
			mqttOut := OutputConfig{Type: "mqtt", IntervalMs: cfg.IntervalMs, MQTT: &MQTTConfig{}}
			mergeMQTT(mqttOut.MQTT, mqttFlags)
			cfg.Outputs = append(cfg.Outputs, mqttOut)
		}
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagHTTP != "" {
		cfg.HTTP.Listen = *flagHTTP
	}
	if *flagDebug {
		cfg.Debug = true
	}
	// ensure outputs have interval default
	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.IntervalMs
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the values the sensor cannot be opened without.
func (c Config) Validate() error {
	if c.ClockPin < 0 {
		return errors.New("clock-pin is required")
	}
	if c.DataPin < 0 {
		return errors.New("data-pin is required")
	}
	if c.ClockPin == c.DataPin {
		return fmt.Errorf("clock-pin and data-pin must differ (both %d)", c.ClockPin)
	}
	switch c.Gain {
	case 128, 64, 32:
	default:
		return fmt.Errorf("gain must be 128, 64 or 32, got %d", c.Gain)
	}
	// an explicit zero offset is legal, a zero scale is not
	if c.Scale == 0 || math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return fmt.Errorf("scale must be finite and non-zero, got %v", c.Scale)
	}
	if c.RateSPS != 10 && c.RateSPS != 80 {
		return fmt.Errorf("rate-sps must be 10 or 80, got %d", c.RateSPS)
	}
	if c.SensorType != "real" && c.SensorType != "simulation" {
		return fmt.Errorf("sensor-type must be real or simulation, got %q", c.SensorType)
	}
	if c.IntervalMs <= 0 {
		return errors.New("interval-ms must be > 0")
	}
	return nil
}

// DefaultSamples returns the configured sample count, at least 1.
func (c Config) DefaultSamples() int {
	if c.Samples < 1 {
		return 1
	}
	return c.Samples
}

func mergeMQTT(dst *MQTTConfig, src MQTTConfig) {
	if src.Server != "" {
		dst.Server = src.Server
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	if src.StateTopic != "" {
		dst.StateTopic = src.StateTopic
	}
	if src.CommandTopic != "" {
		dst.CommandTopic = src.CommandTopic
	}
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseKeyIntMap parses "name=value,name=value"
func parseKeyIntMap(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid entry %q (want name=value)", p)
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q: %w", p, err)
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out, nil
}
