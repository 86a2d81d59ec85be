package sensor

import (
	"math/rand"

	"github.com/ericogr/hx711-to-mqtt/pkg/config"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711/fake"
)

// simulationNoise is the peak raw noise added to simulated conversions
const simulationNoise = 64

// NewSimulated opens a sensor on a simulated chip whose conversions scatter
// around cfg.SimulatedRaw.
func NewSimulated(cfg config.Config, options ...func(*HX711Sensor)) (*HX711Sensor, error) {
	base := cfg.SimulatedRaw
	chip := fake.New(fake.WithValueFunc(func() int32 {
		return base + rand.Int31n(2*simulationNoise+1) - simulationNoise
	}))
	options = append(options, WithLines(chip, "simulation"))
	return Open(cfg, options...)
}
