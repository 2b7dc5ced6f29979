package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"skyfi-billing/internal/common/logger"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type Routes interface {
	Register(router *echo.Echo)
}

// New builds the echo instance with the shared middleware stack and mounts
// routes plus /metrics.
func New(log logger.Logger, serviceName string, routes Routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger(log))
	e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return c.Path() == "/metrics"
	})))

	e.Validator = NewValidator()
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	routes.Register(e)
	return e
}

// RequestLogger writes one line per request through log.
func RequestLogger(log logger.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":    v.Method,
				"uri":       v.URI,
				"status":    v.Status,
				"latency":   v.Latency.String(),
				"requestId": v.RequestID,
			}
			if v.Error != nil {
				fields["error"] = v.Error.Error()
			}
			if v.Status >= http.StatusInternalServerError {
				log.Error("request", fields)
			} else {
				log.Info("request", fields)
			}
			return nil
		},
	})
}

type customValidator struct {
	validate *validator.Validate
}

func NewValidator() echo.Validator {
	return customValidator{validate: validator.New()}
}

func (v customValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// Start serves until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, e *echo.Echo, address string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
