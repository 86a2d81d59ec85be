package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cast"

	"github.com/ericogr/hx711-to-mqtt/pkg/calibration"
	"github.com/ericogr/hx711-to-mqtt/pkg/gpio"
	"github.com/ericogr/hx711-to-mqtt/pkg/hx711"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
	"github.com/ericogr/hx711-to-mqtt/pkg/node"
	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

const requestTimeout = 30 * time.Second

// API denotes a REST API for a weight sensor
type API struct {
	sensor  sensor.Sensor
	samples int
	router  *fiber.App
	logger  logging.Logger
}

type scaleRequest struct {
	Scale *float64 `json:"scale"`
}

type statusResponse struct {
	Status sensor.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
	Info   sensor.Info   `json:"info"`
}

// New instantiates a new API, serving defaultSamples-sample readings unless a
// request asks otherwise
func New(s sensor.Sensor, defaultSamples int, logger logging.Logger) *API {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	api := API{
		sensor:  s,
		samples: defaultSamples,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
		logger: logger,
	}

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/reading", api.handleReading())
	api.router.Post("/tare", api.handleTare())
	api.router.Put("/scale", api.handleScale())
	api.router.Post("/power_down", api.handlePowerDown())
	api.router.Post("/wake", api.handleWake())
	api.router.Post("/reset", api.handleReset())
	api.router.Post("/input", api.handleInput())

	return &api
}

// Listen serves the API in a goroutine
func (api *API) Listen(endpoint string) {
	go func() {
		if err := api.router.Listen(endpoint); err != nil {
			api.logger.Errorf("http api on %s stopped: %s", endpoint, err)
		}
	}()
	api.logger.Infof("http api listening on %s", endpoint)
}

// Shutdown stops the server
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		st := api.sensor.Status()
		resp := statusResponse{Status: st, Info: api.sensor.Info()}
		if st.Err != nil {
			resp.Error = st.Err.Error()
		}
		return c.JSON(resp)
	}
}

func (api *API) handleReading() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		opts := sensor.ReadOptions{Samples: api.samples}
		if v := c.Query("samples"); v != "" {
			n, err := cast.ToIntE(v)
			if err != nil || n < 1 {
				return fiber.NewError(fiber.StatusBadRequest, "samples must be a positive integer")
			}
			opts.Samples = n
		}
		if v := c.Query("offset"); v != "" {
			off, err := cast.ToInt64E(v)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "offset must be an integer")
			}
			opts.Offset = &off
		}

		ctx, cancel := requestContext(c)
		defer cancel()
		r, err := api.sensor.Read(ctx, opts)
		if err != nil {
			return err
		}
		return c.JSON(r)
	}
}

func (api *API) handleTare() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		n := api.samples
		if v := c.Query("samples"); v != "" {
			var err error
			if n, err = cast.ToIntE(v); err != nil || n < 1 {
				return fiber.NewError(fiber.StatusBadRequest, "samples must be a positive integer")
			}
		}

		ctx, cancel := requestContext(c)
		defer cancel()
		if err := api.sensor.Tare(ctx, n); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"tare": true, "avrg": n, "offset": api.sensor.Info().Offset})
	}
}

func (api *API) handleScale() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req scaleRequest
		if err := c.BodyParser(&req); err != nil || req.Scale == nil {
			return fiber.NewError(fiber.StatusBadRequest, `body must be {"scale": <number>}`)
		}

		ctx, cancel := requestContext(c)
		defer cancel()
		if err := api.sensor.SetScale(ctx, *req.Scale); err != nil {
			return err
		}
		return c.JSON(api.sensor.Info())
	}
}

func (api *API) handlePowerDown() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := requestContext(c)
		defer cancel()
		api.sensor.PowerDown(ctx)
		return c.JSON(api.sensor.Status())
	}
}

func (api *API) handleWake() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := requestContext(c)
		defer cancel()
		if err := api.sensor.Wake(ctx); err != nil {
			return err
		}
		return c.JSON(api.sensor.Status())
	}
}

func (api *API) handleReset() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := requestContext(c)
		defer cancel()
		if err := api.sensor.Reset(ctx); err != nil {
			return err
		}
		return c.JSON(api.sensor.Status())
	}
}

func (api *API) handleInput() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		msg := node.Message{}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&msg); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
			}
		}

		ctx, cancel := requestContext(c)
		defer cancel()
		out, err := node.Input(ctx, api.sensor, api.samples, msg)
		if err != nil {
			return err
		}
		return c.JSON(out)
	}
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// errorHandler maps sensor errors to status codes
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, hx711.ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
	case errors.Is(err, sensor.ErrFaulted), errors.Is(err, sensor.ErrClosed):
		code = fiber.StatusConflict
	case errors.Is(err, calibration.ErrInvalidCalibration), errors.Is(err, node.ErrInvalidMessage):
		code = fiber.StatusBadRequest
	case errors.Is(err, gpio.ErrHardwareUnavailable):
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
