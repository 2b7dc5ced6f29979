package checkpaymentstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skyfi-billing/internal/common/camunda"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/common/validation"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/store"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/spf13/cast"
)

const TaskType = "check-payment-status"

type Payments interface {
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
}

// Poller asks the gateway for the charge status of a payment.
type Poller interface {
	CheckStatus(ctx context.Context, p *models.Payment, attempt int) (*momo.StatusResult, error)
}

type Handler struct {
	config    *Config
	payments  Payments
	poller    Poller
	validator *validation.Validator
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

type HandlerOptions struct {
	Config    *Config
	Payments  Payments
	Poller    Poller
	Validator *validation.Validator
	Logger    logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		payments:  opts.Payments,
		poller:    opts.Poller,
		validator: opts.Validator,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job)
	if err == nil {
		var out *Output
		if out, err = h.Execute(ctx, input); err == nil {
			camunda.CompleteJob(ctx, client, job, out.variables(), h.logger)
		}
	}
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, err)
	}
	camunda.RecordOutcome(TaskType, started, err)
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	vars, err := camunda.ParseVariables(job, h.validator, validation.SchemaCheckPaymentStatus)
	if err != nil {
		return nil, err
	}
	paymentID, err := cast.ToInt64E(vars["paymentId"])
	if err != nil || paymentID <= 0 {
		return nil, apperrors.NewValidationError("paymentId must be a positive number")
	}
	attempt, err := cast.ToIntE(vars["pollAttempt"])
	if err != nil || attempt < 0 {
		return nil, apperrors.NewValidationError("pollAttempt must be a non-negative number")
	}
	return &Input{
		PaymentID:   paymentID,
		ReferenceID: cast.ToString(vars["referenceId"]),
		PollAttempt: attempt,
	}, nil
}

// Execute runs one poll of the confirmation loop. A failed poll is reported
// as PENDING and still uses up an attempt; the process timer drives the next
// one. A payment a callback already settled is reported without asking the
// gateway.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	p, err := h.payments.GetPayment(ctx, input.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("payment", input.ReferenceID)
		}
		return nil, err
	}

	out := &Output{PollAttempt: input.PollAttempt + 1}
	if p.Status.IsTerminal() {
		out.Settled = true
		out.PollAttempt = input.PollAttempt
		out.GatewayStatus = string(statusOf(p.Status))
		out.FailureReason = p.FailureReason
		return out, nil
	}

	out.GatewayStatus = string(momo.StatusPending)
	res, err := h.poller.CheckStatus(ctx, p, out.PollAttempt)
	if err != nil {
		h.logger.Warn("status poll failed", map[string]interface{}{
			"referenceId": p.PaymentReference,
			"attempt":     out.PollAttempt,
			"error":       err.Error(),
		})
		out.PollError = err.Error()
	} else {
		out.GatewayStatus = string(res.Status)
		if res.Status == momo.StatusFailed {
			out.FailureReason = res.Reason
		}
	}

	if !momo.Status(out.GatewayStatus).IsTerminal() && out.PollAttempt >= h.config.MaxPollAttempts {
		out.AttemptsExhausted = true
	}
	h.logger.Debug("payment polled", map[string]interface{}{
		"referenceId": p.PaymentReference,
		"attempt":     out.PollAttempt,
		"status":      out.GatewayStatus,
		"exhausted":   out.AttemptsExhausted,
	})
	return out, nil
}

func statusOf(s models.PaymentStatus) momo.Status {
	switch s {
	case models.PaymentCompleted:
		return momo.StatusSuccessful
	case models.PaymentFailed:
		return momo.StatusFailed
	default:
		return momo.StatusPending
	}
}
