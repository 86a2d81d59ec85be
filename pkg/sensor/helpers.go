package sensor

import (
	"time"

	"github.com/ericogr/hx711-to-mqtt/pkg/config"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
)

// deviceOptions extracts the chip timing settings from the config.
// Non-positive values keep the driver defaults.
func deviceOptions(cfg config.Config, logger logging.Logger) []func(*hx711.Dev) {
	opts := []func(*hx711.Dev){hx711.WithLogger(logger)}
	if cfg.ReadTimeoutMs > 0 {
		opts = append(opts, hx711.WithReadTimeout(time.Duration(cfg.ReadTimeoutMs)*time.Millisecond))
	}
	if cfg.PollIntervalUs > 0 {
		opts = append(opts, hx711.WithPollInterval(time.Duration(cfg.PollIntervalUs)*time.Microsecond))
	}
	if cfg.SettleMs >= 0 {
		opts = append(opts, hx711.WithSettleDelay(time.Duration(cfg.SettleMs)*time.Millisecond))
	}
	return opts
}
