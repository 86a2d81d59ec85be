package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/output"
	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func (c *ConsoleOutput) Publish(r sensor.Reading) error {
	_, err := fmt.Fprintf(c.w, "%s raw=%.1f value=%.6f samples=%d\n", r.Timestamp.Format(time.RFC3339), r.Raw, r.Value, r.Samples)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }
