package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	awsclient "skyfi-billing/internal/common/aws"
	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/payment"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Implementations
// ==========================

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

// ==========================
// Test Helper Functions
// ==========================

func testConfig() config.NotificationConfig {
	cfg := config.NotificationConfig{
		OperatorEmail: "ops@skyfi.example",
		OperatorPhone: "+256700000001",
	}
	return cfg
}

func reconciliationEscalation() payment.Escalation {
	return payment.Escalation{
		Code:        apperrors.ErrCodeReconciliation,
		ReferenceID: "R1",
		PaymentID:   42,
		UserID:      "user-1",
		Amount:      "8500",
		Currency:    "UGX",
		Detail:      "gateway confirmed the charge but the subscription was not granted",
	}
}

// ==========================
// Tests
// ==========================

func TestEscalate_SendsEmailAndSMS(t *testing.T) {
	var sentEmail *ses.SendEmailInput
	var sentSMS *sns.PublishInput

	sesMock := &MockSESService{SendEmailFunc: func(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		sentEmail = in
		return &ses.SendEmailOutput{MessageId: aws.String("email-1")}, nil
	}}
	snsMock := &MockSNSService{PublishFunc: func(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
		sentSMS = in
		return &sns.PublishOutput{MessageId: aws.String("sms-1")}, nil
	}}

	a := NewOperatorAlerter(
		awsclient.NewSESClientWithAPI(sesMock, "alerts@skyfi.example"),
		awsclient.NewSNSClientWithAPI(snsMock, "SkyFi"),
		testConfig(),
		logger.NewTestLogger(t),
	)

	require.NoError(t, a.Escalate(context.Background(), reconciliationEscalation()))

	require.NotNil(t, sentEmail)
	assert.Equal(t, []string{"ops@skyfi.example"}, sentEmail.Destination.ToAddresses)
	assert.Equal(t, "alerts@skyfi.example", aws.ToString(sentEmail.Source))
	assert.Equal(t, "[SkyFi] RECONCILIATION_ERROR for payment R1", aws.ToString(sentEmail.Message.Subject.Data))
	body := aws.ToString(sentEmail.Message.Body.Text.Data)
	assert.Contains(t, body, "Payment ID:  42")
	assert.Contains(t, body, "8500 UGX")

	require.NotNil(t, sentSMS)
	assert.Equal(t, "+256700000001", aws.ToString(sentSMS.PhoneNumber))
	assert.True(t, strings.HasPrefix(aws.ToString(sentSMS.Message), "SkyFi RECONCILIATION_ERROR ref R1"))
	assert.Equal(t, "Transactional", aws.ToString(sentSMS.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue))
	assert.Equal(t, "SkyFi", aws.ToString(sentSMS.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))
}

func TestEscalate_ReportsChannelFailures(t *testing.T) {
	sesMock := &MockSESService{SendEmailFunc: func(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		return nil, errors.New("MessageRejected")
	}}
	smsCalls := 0
	snsMock := &MockSNSService{PublishFunc: func(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
		smsCalls++
		return &sns.PublishOutput{MessageId: aws.String("sms-1")}, nil
	}}

	a := NewOperatorAlerter(
		awsclient.NewSESClientWithAPI(sesMock, "alerts@skyfi.example"),
		awsclient.NewSNSClientWithAPI(snsMock, ""),
		testConfig(),
		logger.NewTestLogger(t),
	)

	err := a.Escalate(context.Background(), reconciliationEscalation())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotificationFailed))
	assert.Equal(t, 1, smsCalls, "sms still attempted")
}

func TestEscalate_WithoutChannelsOnlyLogs(t *testing.T) {
	sesMock := &MockSESService{SendEmailFunc: func(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		t.Fatal("email must not be sent without an operator address")
		return nil, nil
	}}

	a := NewOperatorAlerter(awsclient.NewSESClientWithAPI(sesMock, "x@y"), nil, config.NotificationConfig{}, logger.NewNoOpLogger())
	assert.NoError(t, a.Escalate(context.Background(), reconciliationEscalation()))
}

func TestSMS_OmitsEmptyAmount(t *testing.T) {
	esc := reconciliationEscalation()
	esc.Amount = ""
	assert.Equal(t, "SkyFi RECONCILIATION_ERROR ref R1 user user-1", SMS(esc))
}
