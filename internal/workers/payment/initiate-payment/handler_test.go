package initiatepayment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/validation"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/payment"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Starter
// ==========================

type MockStarter struct {
	StartFunc func(ctx context.Context, req payment.Request) (*payment.Attempt, error)
	calls     []payment.Request
}

func (m *MockStarter) Start(ctx context.Context, req payment.Request) (*payment.Attempt, error) {
	m.calls = append(m.calls, req)
	return m.StartFunc(ctx, req)
}

// ==========================
// Test Helpers
// ==========================

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)
	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:                key,
		Type:               TaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      "skyfi-purchase",
		ElementId:          "Task_InitiatePayment",
		CustomHeaders:      "{}",
		Worker:             "test-worker",
		Retries:            3,
		Variables:          string(variablesJSON),
	}}
}

func newTestHandler(t *testing.T, starter Starter) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerOptions{
		Starter:   starter,
		Validator: validation.MustNew(),
		Logger:    logger.NewTestLogger(t),
	})
	require.NoError(t, err)
	return h
}

// ==========================
// Input Parsing Tests
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	h := newTestHandler(t, &MockStarter{})

	input, err := h.parseInput(createMockJob(1, map[string]interface{}{
		"userId":      "u1",
		"packageId":   2,
		"phoneNumber": "256772123456",
	}))
	require.NoError(t, err)
	assert.Equal(t, &Input{UserID: "u1", PackageID: 2, PhoneNumber: "256772123456"}, input)

	input, err = h.parseInput(createMockJob(1, map[string]interface{}{
		"userId":        "u1",
		"packageId":     "3",
		"phoneNumber":   "+256772123456",
		"paymentMethod": "mobile_money",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), input.PackageID)
	assert.Equal(t, "mobile_money", input.PaymentMethod)
}

func TestHandler_ParseInput_Invalid(t *testing.T) {
	h := newTestHandler(t, &MockStarter{})

	tests := []struct {
		name string
		vars map[string]interface{}
	}{
		{"missing user", map[string]interface{}{"packageId": 2, "phoneNumber": "256772123456"}},
		{"missing phone", map[string]interface{}{"userId": "u1", "packageId": 2}},
		{"short phone", map[string]interface{}{"userId": "u1", "packageId": 2, "phoneNumber": "0772"}},
		{"card payment", map[string]interface{}{"userId": "u1", "packageId": 2, "phoneNumber": "256772123456", "paymentMethod": "card"}},
		{"package not numeric", map[string]interface{}{"userId": "u1", "packageId": "weekly", "phoneNumber": "256772123456"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.parseInput(createMockJob(1, tt.vars))
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
		})
	}
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_Success(t *testing.T) {
	starter := &MockStarter{StartFunc: func(ctx context.Context, req payment.Request) (*payment.Attempt, error) {
		return &payment.Attempt{
			Payment:   &models.Payment{ID: 11, PaymentReference: "R1", Status: models.PaymentPending},
			LockKey:   payment.LockKey(req.UserID, req.PackageID),
			LockOwner: "owner-1",
		}, nil
	}}
	h := newTestHandler(t, starter)

	out, err := h.Execute(context.Background(), &Input{UserID: "u1", PackageID: 2, PhoneNumber: "256772123456"})
	require.NoError(t, err)
	assert.Equal(t, &Output{
		PaymentID:     11,
		ReferenceID:   "R1",
		PaymentStatus: "pending",
		LockKey:       "purchase:u1:2",
		LockOwner:     "owner-1",
	}, out)
	require.Len(t, starter.calls, 1)
	assert.Equal(t, "256772123456", starter.calls[0].PayerIdentifier)
}

func TestHandler_Execute_PropagatesWorkflowErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"invalid package", apperrors.NewInvalidPackageError(int64(9)), false},
		{"duplicate purchase", apperrors.NewDuplicatePurchaseError("u1", int64(2)), false},
		{"gateway rejected", apperrors.NewGatewayRejectedError(400, "PAYER_NOT_FOUND"), false},
		{"not configured", apperrors.NewConfigurationError("payment gateway"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &MockStarter{StartFunc: func(ctx context.Context, req payment.Request) (*payment.Attempt, error) {
				return nil, tt.err
			}})
			_, err := h.Execute(context.Background(), &Input{UserID: "u1", PackageID: 2, PhoneNumber: "256772123456"})
			require.Error(t, err)

			bpmn := apperrors.ConvertToBPMNError(apperrors.Normalize(err))
			assert.Equal(t, tt.retryable, bpmn.Retries > 0)
		})
	}
}

// ==========================
// Configuration Tests
// ==========================

func TestConfigFrom(t *testing.T) {
	c := ConfigFrom(&config.Config{Workers: map[string]config.WorkerConfig{
		TaskType: {Enabled: true, MaxJobsActive: 2, Timeout: 5000},
	}})
	assert.Equal(t, 2, c.MaxJobsActive)
	assert.Equal(t, 5*time.Second, c.Timeout)

	_, err := NewHandler(HandlerOptions{Config: &Config{Timeout: 0, MaxJobsActive: 1}})
	assert.Error(t, err)
}
