// Package notify alerts the on-call operator about payments that need a
// human to settle them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/payment"
)

type EmailSender interface {
	SendText(ctx context.Context, to []string, subject, body string) (string, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

// OperatorAlerter sends escalations by email and SMS. Either channel may be
// nil; with neither configured escalations are only logged.
type OperatorAlerter struct {
	email   EmailSender
	sms     SMSSender
	toEmail string
	toPhone string
	logger  logger.Logger
}

func NewOperatorAlerter(email EmailSender, sms SMSSender, cfg config.NotificationConfig, log logger.Logger) *OperatorAlerter {
	a := &OperatorAlerter{
		toEmail: cfg.OperatorEmail,
		toPhone: cfg.OperatorPhone,
		logger:  log.WithFields(map[string]interface{}{"component": "operator-alerts"}),
	}
	if email != nil && cfg.OperatorEmail != "" {
		a.email = email
	}
	if sms != nil && cfg.OperatorPhone != "" {
		a.sms = sms
	}
	return a
}

func (a *OperatorAlerter) Escalate(ctx context.Context, esc payment.Escalation) error {
	if a.email == nil && a.sms == nil {
		a.logger.Warn("no operator channel configured, escalation only logged", map[string]interface{}{
			"referenceId": esc.ReferenceID,
			"code":        string(esc.Code),
		})
		return nil
	}

	var errs []error
	if a.email != nil {
		id, err := a.email.SendText(ctx, []string{a.toEmail}, Subject(esc), Body(esc))
		if err != nil {
			errs = append(errs, apperrors.NewNotificationSendFailedError("email", err))
		} else {
			a.logger.Info("operator email sent", map[string]interface{}{"messageId": id, "referenceId": esc.ReferenceID})
		}
	}
	if a.sms != nil {
		id, err := a.sms.SendSMS(ctx, a.toPhone, SMS(esc))
		if err != nil {
			errs = append(errs, apperrors.NewNotificationSendFailedError("sms", err))
		} else {
			a.logger.Info("operator sms sent", map[string]interface{}{"messageId": id, "referenceId": esc.ReferenceID})
		}
	}
	return errors.Join(errs...)
}

func Subject(esc payment.Escalation) string {
	return fmt.Sprintf("[SkyFi] %s for payment %s", esc.Code, esc.ReferenceID)
}

func Body(esc payment.Escalation) string {
	var b strings.Builder
	b.WriteString("A payment needs manual review.\n\n")
	fmt.Fprintf(&b, "Code:        %s\n", esc.Code)
	fmt.Fprintf(&b, "Reference:   %s\n", esc.ReferenceID)
	if esc.PaymentID != 0 {
		fmt.Fprintf(&b, "Payment ID:  %d\n", esc.PaymentID)
	}
	fmt.Fprintf(&b, "User:        %s\n", esc.UserID)
	if esc.Amount != "" {
		fmt.Fprintf(&b, "Amount:      %s %s\n", esc.Amount, esc.Currency)
	}
	fmt.Fprintf(&b, "\n%s\n", esc.Detail)
	return b.String()
}

// SMS is the short form of an escalation.
func SMS(esc payment.Escalation) string {
	msg := fmt.Sprintf("SkyFi %s ref %s user %s", esc.Code, esc.ReferenceID, esc.UserID)
	if esc.Amount != "" {
		msg += fmt.Sprintf(" amount %s %s", esc.Amount, esc.Currency)
	}
	return msg
}
