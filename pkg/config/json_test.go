package config

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalConfigJSON(t *testing.T) {
	js := `{
        "clock_pin": 5,
        "data_pin": 6,
        "gain": 64,
        "scale": 2280.5,
        "offset": -8123,
        "samples": 10,
        "line_drivers": ["gpiocdev"],
        "gpio_chip": "/dev/gpiochip4",
        "sensor_type": "simulation",
        "http": {"listen": ":8080"},
        "outputs": [{"type":"mqtt", "mqtt": {"server": "tcp://broker:1883", "state_topic": "hx711/weight", "unit": "kg"}}]
    }`

	cfg := DefaultConfig()
	if err := json.Unmarshal([]byte(js), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.ClockPin != 5 || cfg.DataPin != 6 || cfg.Gain != 64 {
		t.Fatalf("pins/gain: %+v", cfg)
	}
	if cfg.Scale != 2280.5 || cfg.Offset != -8123 || cfg.Samples != 10 {
		t.Fatalf("calibration: %+v", cfg)
	}
	if len(cfg.LineDrivers) != 1 || cfg.LineDrivers[0] != "gpiocdev" || cfg.GPIOChip != "/dev/gpiochip4" {
		t.Fatalf("line drivers: %v %s", cfg.LineDrivers, cfg.GPIOChip)
	}
	if cfg.SensorType != "simulation" || cfg.HTTP.Listen != ":8080" {
		t.Fatalf("sensor type / http: %+v", cfg)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0].MQTT == nil || cfg.Outputs[0].MQTT.Unit != "kg" {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	// untouched fields keep their defaults
	if cfg.ReadTimeoutMs != 1000 || cfg.RateSPS != 10 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
