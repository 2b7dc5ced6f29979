package camunda

import (
	"context"
	"errors"
	"testing"
	"time"

	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return &Client{config: &ClientConfig{
		RequestTimeout: time.Second,
		RetryConfig:    &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}}
}

func TestExecuteWithRetry_RetriesTransientErrors(t *testing.T) {
	c := testClient()
	calls := 0
	err := c.ExecuteWithRetry(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rpc error: code = Unavailable desc = connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_GivesUp(t *testing.T) {
	c := testClient()
	calls := 0
	err := c.ExecuteWithRetry(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		return errors.New("context deadline exceeded")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeWorkflowEngine))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestExecuteWithRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	c := testClient()
	calls := 0
	err := c.ExecuteWithRetry(context.Background(), "create instance", func(ctx context.Context) error {
		calls++
		return errors.New("rpc error: code = NotFound desc = process 'skyfi-purchase' not found")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestExecuteWithRetry_StopsOnCancel(t *testing.T) {
	c := testClient()
	c.config.RetryConfig.BaseDelay = time.Hour
	c.config.RetryConfig.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.ExecuteWithRetry(ctx, "publish", func(ctx context.Context) error {
		return errors.New("unavailable")
	})
	require.Error(t, err)
	se, ok := apperrors.As(err)
	require.True(t, ok)
	assert.False(t, se.Retryable)
}

func TestMapZeebeError(t *testing.T) {
	tests := []struct {
		msg       string
		code      apperrors.ErrorCode
		retryable bool
	}{
		{"connection reset by peer", apperrors.ErrCodeWorkflowEngine, true},
		{"no such message subscription: not found", apperrors.ErrCodeNotFound, false},
		{"permission denied", apperrors.ErrCodeConfiguration, false},
		{"invalid argument: bad variables", apperrors.ErrCodeWorkflowEngine, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			se := apperrors.Normalize(mapZeebeError(errors.New(tt.msg), "op", 0))
			assert.Equal(t, tt.code, se.Code)
			if tt.code == apperrors.ErrCodeWorkflowEngine {
				assert.Equal(t, tt.retryable, se.Retryable)
			}
		})
	}
}

func TestConfigFrom_Defaults(t *testing.T) {
	cc := ConfigFrom(config.CamundaConfig{BrokerAddress: "localhost:26500"})
	assert.Equal(t, "localhost:26500", cc.GatewayAddress)
	assert.Equal(t, 10*time.Second, cc.ConnectionTimeout)
	assert.Equal(t, 30*time.Second, cc.RequestTimeout)
	assert.Equal(t, DefaultRetryConfig, cc.RetryConfig)

	cc = ConfigFrom(config.CamundaConfig{Timeout: 2000, RequestTimeout: 500})
	assert.Equal(t, 2*time.Second, cc.ConnectionTimeout)
	assert.Equal(t, 500*time.Millisecond, cc.RequestTimeout)
}
