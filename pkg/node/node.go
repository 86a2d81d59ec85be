// Package node handles flow messages: loosely typed maps that either request
// a tare or a weight reading and are returned with the result attached.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cast"

	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

// ErrInvalidMessage is returned for message fields that cannot be decoded.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a flow message. Unknown keys are passed through untouched.
type Message map[string]any

const (
	keyTare    = "tare"
	keyAvrg    = "avrg"
	keyOffset  = "offset"
	keyPayload = "payload"
	keyHX711   = "hx711"
)

// Input runs the request carried by msg against s and returns a copy of msg
// with the result in "payload" (and the effective settings in "hx711" for
// reads). An "avrg" that is missing, zero or unparsable falls back to
// defaultSamples.
//
// "offset" is a tare offset in raw ADC units. It replaces the stored tare for
// this read only and is not subtracted from the converted weight: with a
// stored tare of T, {"offset": 0} returns the untared weight and
// {"offset": T} the same value as no offset at all.
func Input(ctx context.Context, s sensor.Sensor, defaultSamples int, msg Message) (Message, error) {
	out := make(Message, len(msg)+2)
	for k, v := range msg {
		out[k] = v
	}

	n := samples(msg, defaultSamples)

	if cast.ToBool(msg[keyTare]) {
		if err := s.Tare(ctx, n); err != nil {
			return nil, err
		}
		out[keyPayload] = map[string]any{"tare": true, "avrg": n}
		return out, nil
	}

	opts := sensor.ReadOptions{Samples: n}
	if v, ok := msg[keyOffset]; ok && v != nil {
		off, err := cast.ToInt64E(v)
		if err != nil {
			return nil, fmt.Errorf("%w: offset %v: %w", ErrInvalidMessage, v, err)
		}
		opts.Offset = &off
	}

	r, err := s.Read(ctx, opts)
	if err != nil {
		return nil, err
	}
	info := s.Info()
	out[keyPayload] = r.Value
	out[keyHX711] = map[string]any{
		"avrg":    r.Samples,
		"offset":  r.Offset,
		"scale":   r.Scale,
		"gain":    info.Gain,
		"dataPin": info.DataPin,
		"sckPin":  info.ClockPin,
	}
	return out, nil
}

func samples(msg Message, def int) int {
	n, err := cast.ToIntE(msg[keyAvrg])
	if err != nil || n < 1 {
		if def < 1 {
			return 1
		}
		return def
	}
	return n
}
