package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"skyfi-billing/internal/common/config"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservability_ExportsToRegistry(t *testing.T) {
	reg := promclient.NewRegistry()
	o, err := NewWithRegisterer(config.TracingConfig{}, "skyfi-billing-test", reg)
	require.NoError(t, err)
	defer o.Shutdown(context.Background())

	ctx := context.Background()
	o.RecordJobProcessed(ctx, "check-payment-status", "completed", 120*time.Millisecond)
	o.RecordPurchase(ctx, "success", 9*time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "jobs_processed")
	assert.Contains(t, joined, "jobs_duration")
	assert.Contains(t, joined, "purchases_duration")
}

func TestObservability_TracingDisabledUsesNoopTracer(t *testing.T) {
	o, err := NewWithRegisterer(config.TracingConfig{Enabled: true}, "svc", promclient.NewRegistry())
	require.NoError(t, err)
	assert.False(t, o.TracingEnabled())

	_, span := o.StartSpan(context.Background(), "purchase")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, o.Shutdown(context.Background()))
}
