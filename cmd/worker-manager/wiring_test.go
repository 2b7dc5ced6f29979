package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	pingErr error
	closed  bool
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestDialWithRetry_ClosesFailedAttempts(t *testing.T) {
	var dialed []*fakeConn
	dial := func() (*fakeConn, error) {
		c := &fakeConn{}
		if len(dialed) < 2 {
			c.pingErr = errors.New("connection refused")
		}
		dialed = append(dialed, c)
		return c, nil
	}

	conn, err := dialWithRetry(context.Background(), dial, 5, time.Millisecond, zap.NewNop(), "test connection")
	require.NoError(t, err)
	require.Len(t, dialed, 3)
	assert.Same(t, dialed[2], conn)
	assert.True(t, dialed[0].closed)
	assert.True(t, dialed[1].closed)
	assert.False(t, conn.closed)
}

func TestDialWithRetry_ClosesLastAttemptOnFailure(t *testing.T) {
	var dialed []*fakeConn
	dial := func() (*fakeConn, error) {
		c := &fakeConn{pingErr: errors.New("connection refused")}
		dialed = append(dialed, c)
		return c, nil
	}

	conn, err := dialWithRetry(context.Background(), dial, 3, time.Millisecond, zap.NewNop(), "test connection")
	require.Error(t, err)
	assert.Nil(t, conn)
	require.Len(t, dialed, 3)
	for _, c := range dialed {
		assert.True(t, c.closed)
	}
}

func TestDialWithRetry_DialError(t *testing.T) {
	calls := 0
	dial := func() (*fakeConn, error) {
		calls++
		return nil, errors.New("bad dsn")
	}

	_, err := dialWithRetry(context.Background(), dial, 2, time.Millisecond, zap.NewNop(), "test connection")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
