package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/momo"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// MessagePaymentStatusChanged is correlated by payment reference and wakes a
// purchase instance waiting on the gateway.
const MessagePaymentStatusChanged = "payment-status-changed"

// Client wraps the Zeebe gRPC client with retry and error mapping.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
	MessageTTL             time.Duration
	RetryConfig            *RetryConfig
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
}

// ConfigFrom derives client settings from the application config.
func ConfigFrom(cfg config.CamundaConfig) *ClientConfig {
	cc := &ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: true,
		ConnectionTimeout:      config.GetDuration(cfg.Timeout),
		RequestTimeout:         config.GetDuration(cfg.RequestTimeout),
		MessageTTL:             time.Minute,
		RetryConfig:            DefaultRetryConfig,
	}
	if cc.ConnectionTimeout <= 0 {
		cc.ConnectionTimeout = 10 * time.Second
	}
	if cc.RequestTimeout <= 0 {
		cc.RequestTimeout = 30 * time.Second
	}
	return cc
}

// NewClientWithConfig connects and verifies the broker topology.
func NewClientWithConfig(cfg *ClientConfig) (*Client, error) {
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = DefaultRetryConfig
	}

	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.GatewayAddress,
		UsePlaintextConnection: cfg.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", cfg.GatewayAddress, err)
	}

	return &Client{client: zeebeClient, config: cfg}, nil
}

// GetClient returns the raw Zeebe client for job workers.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ExecuteWithRetry runs fn with exponential backoff. Only transient broker
// errors are retried.
func (c *Client) ExecuteWithRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	retry := c.config.RetryConfig
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		err := fn(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isRetryableZeebeError(err) || attempt >= retry.MaxRetries {
			return mapZeebeError(err, operation, attempt)
		}

		delay := retry.BaseDelay * time.Duration(1<<attempt)
		if delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return apperrors.NewWorkflowEngineError(operation, ctx.Err(), false)
		}
	}
}

func isRetryableZeebeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
		"resource_exhausted",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// mapZeebeError converts a broker error into an application error.
func mapZeebeError(err error, operation string, attempt int) error {
	op := operation
	if attempt > 0 {
		op = fmt.Sprintf("%s after %d attempts", operation, attempt+1)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "not found"):
		return apperrors.NewNotFoundError("workflow resource", fmt.Sprintf("%s: %s", op, err.Error()))
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "unauthenticated"):
		return apperrors.NewConfigurationError("zeebe")
	default:
		return apperrors.NewWorkflowEngineError(op, err, isRetryableZeebeError(err))
	}
}

// HealthCheck asks the broker for its topology.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}

// ==========================
// Purchase process commands
// ==========================

// PublishPaymentStatus correlates a gateway verdict with the instance
// waiting on referenceID. The message id makes redelivery of the same
// verdict a no-op on the broker.
func (c *Client) PublishPaymentStatus(ctx context.Context, referenceID string, status momo.Status) error {
	vars := map[string]interface{}{
		"referenceId":   referenceID,
		"gatewayStatus": string(status),
	}
	return c.ExecuteWithRetry(ctx, "publish "+MessagePaymentStatusChanged, func(ctx context.Context) error {
		cmd, err := c.client.NewPublishMessageCommand().
			MessageName(MessagePaymentStatusChanged).
			CorrelationKey(referenceID).
			MessageId(referenceID + ":" + string(status)).
			TimeToLive(c.config.MessageTTL).
			VariablesFromMap(vars)
		if err != nil {
			return err
		}
		_, err = cmd.Send(ctx)
		return err
	})
}

// StartPurchase creates a purchase instance and returns its key.
func (c *Client) StartPurchase(ctx context.Context, processID string, vars map[string]interface{}) (int64, error) {
	var key int64
	err := c.ExecuteWithRetry(ctx, "create instance "+processID, func(ctx context.Context) error {
		cmd, err := c.client.NewCreateInstanceCommand().
			BPMNProcessId(processID).
			LatestVersion().
			VariablesFromMap(vars)
		if err != nil {
			return err
		}
		resp, err := cmd.Send(ctx)
		if err != nil {
			return err
		}
		key = resp.GetProcessInstanceKey()
		return nil
	})
	return key, err
}

// Deployment describes one deployed process definition.
type Deployment struct {
	ProcessID  string
	Version    int32
	Key        int64
	ResourceID string
}

// DeployProcess uploads a BPMN resource.
func (c *Client) DeployProcess(ctx context.Context, name string, definition []byte) ([]Deployment, error) {
	var out []Deployment
	err := c.ExecuteWithRetry(ctx, "deploy "+name, func(ctx context.Context) error {
		resp, err := c.client.NewDeployResourceCommand().AddResource(definition, name).Send(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, d := range resp.GetDeployments() {
			if p := d.GetProcess(); p != nil {
				out = append(out, Deployment{
					ProcessID:  p.GetBpmnProcessId(),
					Version:    p.GetVersion(),
					Key:        p.GetProcessDefinitionKey(),
					ResourceID: p.GetResourceName(),
				})
			}
		}
		return nil
	})
	return out, err
}
