package report

import (
	"bytes"
	"testing"
	"time"

	"skyfi-billing/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var created = time.Date(2025, 1, 8, 10, 30, 0, 0, time.UTC)

func samplePayments() []models.Payment {
	sub := int64(4)
	return []models.Payment{
		{ID: 1, UserID: "u1", PackageID: 2, PackageName: "Weekly", SubscriptionID: &sub,
			Amount: decimal.NewFromInt(8500), Currency: "UGX", PaymentReference: "ref-1",
			Status: models.PaymentCompleted, CreatedAt: created, UpdatedAt: created},
		{ID: 2, UserID: "u2", PackageID: 1, Amount: decimal.NewFromInt(1500), Currency: "UGX",
			PaymentReference: "ref-2", Status: models.PaymentFailed, FailureReason: "insufficient funds",
			CreatedAt: created, UpdatedAt: created},
		{ID: 3, UserID: "u3", PackageID: 2, PackageName: "Weekly", Amount: decimal.NewFromInt(8500),
			Currency: "UGX", PaymentReference: "ref-3", Status: models.PaymentCompleted,
			CreatedAt: created, UpdatedAt: created},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(samplePayments())
	assert.Equal(t, 2, s.Count[models.PaymentCompleted])
	assert.Equal(t, 1, s.Count[models.PaymentFailed])
	assert.Equal(t, "17000", s.Settled.String())
}

func TestWritePayments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePayments(&buf, samplePayments()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(PaymentsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Reference", rows[0][0])
	assert.Equal(t, []string{"ref-1", "u1", "Weekly", "8500", "UGX", "completed", "", "4",
		"2025-01-08T10:30:00Z", "2025-01-08T10:30:00Z"}, rows[1])
	assert.Equal(t, "#1", rows[2][2])
	assert.Equal(t, "insufficient funds", rows[2][6])

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"completed", "2"}, summary[1])
	assert.Equal(t, []string{"failed", "1"}, summary[2])
	assert.Equal(t, []string{"Settled Amount", "17000"}, summary[len(summary)-1])
}

func TestWritePayments_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePayments(&buf, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(PaymentsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
