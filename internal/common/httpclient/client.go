// Package httpclient wraps net/http with the latency metrics and spans every
// outbound integration records.
package httpclient

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"skyfi-billing/internal/common/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Doer is satisfied by *http.Client and by Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	httpClient Doer
	tracer     trace.Tracer
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("skyfi-billing/httpclient"),
	}
}

// WithDoer swaps the transport, mostly for tests.
func (c *Client) WithDoer(d Doer) *Client {
	c.httpClient = d
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// DoOperation executes req under a span named after operation and records
// its latency against the gateway histogram.
func (c *Client) DoOperation(ctx context.Context, operation string, req *http.Request) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL.Redacted()),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	statusCode := "error"
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		statusCode = strconv.Itoa(resp.StatusCode)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	metrics.GatewayRequestDuration.WithLabelValues(operation, statusCode).Observe(time.Since(start).Seconds())
	return resp, err
}
