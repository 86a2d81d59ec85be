package hx711

import "fmt"

// Gain selects the amplification and input channel of the next conversion.
type Gain int

const (
	Gain128 Gain = 128 // channel A
	Gain64  Gain = 64  // channel A
	Gain32  Gain = 32  // channel B
)

// ParseGain validates a configured gain value.
func ParseGain(v int) (Gain, error) {
	g := Gain(v)
	if !g.Valid() {
		return 0, fmt.Errorf("invalid gain %d (want 128, 64 or 32)", v)
	}
	return g, nil
}

// Valid reports whether g is a gain the chip supports.
func (g Gain) Valid() bool {
	return g.Pulses() != 0
}

// Pulses returns the total number of clock pulses of one readout frame: 24
// data bits plus 1-3 pulses selecting the gain of the following conversion.
func (g Gain) Pulses() int {
	switch g {
	case Gain128:
		return dataBits + 1
	case Gain32:
		return dataBits + 2
	case Gain64:
		return dataBits + 3
	}
	return 0
}

// Channel returns the differential input sampled at this gain.
func (g Gain) Channel() string {
	if g == Gain32 {
		return "B"
	}
	return "A"
}

func (g Gain) String() string {
	return fmt.Sprintf("%d(%s)", int(g), g.Channel())
}
