package output

import "github.com/ericogr/hx711-to-mqtt/pkg/sensor"

// Output receives weight readings from the poller
type Output interface {
	Publish(sensor.Reading) error
	Close() error
}

// helper constructors are in subpackages
