// Package payment drives a purchase from the gateway charge to a granted
// subscription.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"skyfi-billing/internal/catalog"
	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/metrics"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/store"

	"github.com/google/uuid"
)

// State is a workflow step.
type State string

const (
	StateRequested            State = "REQUESTED"
	StateGatewayInitiated     State = "GATEWAY_INITIATED"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateFulfilled            State = "FULFILLED"
	StateFailed               State = "FAILED"
)

// Gateway is the mobile money provider.
type Gateway interface {
	Initiate(ctx context.Context, req momo.InitiateRequest) (*momo.InitiateResult, error)
	PollStatus(ctx context.Context, referenceID string) (*momo.StatusResult, error)
}

// Packages resolves package ids. Unknown ids yield catalog.ErrPackageNotFound.
type Packages interface {
	Get(ctx context.Context, id int64) (*models.Package, error)
}

// Store is the persistence the workflow writes through.
type Store interface {
	CreatePayment(ctx context.Context, np store.NewPayment) (*models.Payment, error)
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, reason string) (*models.Payment, error)
	FulfilPayment(ctx context.Context, paymentID int64) (*models.Subscription, error)
}

// Locker serializes purchases of the same package by the same user.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// EventRecorder keeps an audit trail of state transitions.
type EventRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// Alerter notifies an operator about payments that need manual attention.
type Alerter interface {
	Escalate(ctx context.Context, esc Escalation) error
}

// Event is one audited transition.
type Event struct {
	ReferenceID   string              `json:"referenceId,omitempty"`
	PaymentID     int64               `json:"paymentId,omitempty"`
	UserID        string              `json:"userId"`
	PackageID     int64               `json:"packageId"`
	State         State               `json:"state"`
	Attempt       int                 `json:"attempt,omitempty"`
	GatewayStatus string              `json:"gatewayStatus,omitempty"`
	ErrorCode     apperrors.ErrorCode `json:"errorCode,omitempty"`
	Message       string              `json:"message,omitempty"`
	Source        string              `json:"source"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Escalation describes a payment an operator has to settle by hand.
type Escalation struct {
	Code        apperrors.ErrorCode
	ReferenceID string
	PaymentID   int64
	UserID      string
	Amount      string
	Currency    string
	Detail      string
}

// Request is what the buyer submits.
type Request struct {
	UserID          string `json:"userId" validate:"required"`
	PackageID       int64  `json:"packageId" validate:"required,gt=0"`
	PaymentMethod   string `json:"paymentMethod"`
	PayerIdentifier string `json:"phoneNumber" validate:"required"`
}

// Outcome is the result handed back to the caller.
type Outcome struct {
	Success        bool                `json:"success"`
	Message        string              `json:"message"`
	PaymentID      int64               `json:"paymentId,omitempty"`
	ReferenceID    string              `json:"referenceId,omitempty"`
	SubscriptionID int64               `json:"subscriptionId,omitempty"`
	ErrorCode      apperrors.ErrorCode `json:"errorCode,omitempty"`
	// Pending is set when the service stopped before the gateway answered;
	// the payment stays pending until the reconciler settles it.
	Pending bool `json:"pending,omitempty"`
}

// Attempt is a charge that reached the gateway and has a local payment row.
type Attempt struct {
	Payment   *models.Payment
	Package   *models.Package
	LockKey   string
	LockOwner string
}

// Options are the optional collaborators of a Workflow.
type Options struct {
	Locker   Locker
	Recorder EventRecorder
	Alerter  Alerter
	Logger   logger.Logger
	// Sleep waits between polls; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Lifetime bounds in-process polling. Callers going away do not stop a
	// started purchase; only the end of Lifetime does.
	Lifetime context.Context
}

type Workflow struct {
	gateway  Gateway
	packages Packages
	store    Store
	cfg      config.WorkflowConfig
	currency string
	locker   Locker
	recorder EventRecorder
	alerter  Alerter
	logger   logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	lifetime context.Context
	now      func() time.Time
}

const (
	SuccessMessage = "Payment successful! Your subscription is now active."
	PendingMessage = "Payment is still being confirmed. Your subscription activates as soon as it completes."
)

var errInterrupted = errors.New("polling interrupted by shutdown")

func New(gateway Gateway, packages Packages, st Store, cfg config.WorkflowConfig, currency string, opts Options) *Workflow {
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3000
	}
	if currency == "" {
		currency = models.DefaultCurrency
	}
	w := &Workflow{
		gateway:  gateway,
		packages: packages,
		store:    st,
		cfg:      cfg,
		currency: currency,
		locker:   opts.Locker,
		recorder: opts.Recorder,
		alerter:  opts.Alerter,
		logger:   opts.Logger,
		sleep:    opts.Sleep,
		lifetime: opts.Lifetime,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if w.logger == nil {
		w.logger = logger.NewNoOpLogger()
	}
	w.logger = w.logger.WithFields(map[string]interface{}{"component": "payment-workflow"})
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	if w.lifetime == nil {
		w.lifetime = context.Background()
	}
	return w
}

// Process runs a purchase to completion in the calling goroutine. Once the
// charge is initiated, polling runs to a terminal status or to exhaustion
// even if ctx is cancelled. Only the end of the workflow lifetime stops it
// early, and then the payment is left pending for the reconciler.
func (w *Workflow) Process(ctx context.Context, req Request) Outcome {
	attempt, err := w.Start(ctx, req)
	if err != nil {
		return w.outcomeFor(nil, nil, err)
	}
	settleCtx := context.WithoutCancel(ctx)
	defer w.ReleaseLock(settleCtx, attempt.LockKey, attempt.LockOwner)

	pollCtx, stop := context.WithCancel(settleCtx)
	defer stop()
	unhook := context.AfterFunc(w.lifetime, stop)
	defer unhook()

	ref := attempt.Payment.PaymentReference
	status, attempts, err := w.awaitConfirmation(pollCtx, attempt)
	metrics.PaymentPollAttempts.Observe(float64(attempts))

	if errors.Is(err, errInterrupted) {
		w.logger.Warn("shutdown while awaiting confirmation, leaving payment pending", map[string]interface{}{
			"paymentId":   attempt.Payment.ID,
			"referenceId": ref,
			"attempts":    attempts,
		})
		return Outcome{
			PaymentID:   attempt.Payment.ID,
			ReferenceID: ref,
			Pending:     true,
			Message:     PendingMessage,
		}
	}

	if err == nil && status == momo.StatusSuccessful {
		sub, err := w.Complete(settleCtx, attempt.Payment.ID)
		return w.outcomeFor(attempt.Payment, sub, err)
	}

	cause := err
	if cause == nil {
		if status == momo.StatusFailed {
			cause = apperrors.NewPaymentFailedError(ref, "gateway reported FAILED")
		} else {
			cause = apperrors.NewPaymentTimeoutError(ref, attempts)
		}
	}
	settled, failErr := w.Fail(settleCtx, attempt.Payment.ID, cause)
	if failErr == nil && settled.Status == models.PaymentCompleted {
		// The callback settled it while we were polling.
		return w.outcomeFor(settled, &models.Subscription{ID: derefID(settled.SubscriptionID)}, nil)
	}
	if failErr != nil {
		return w.outcomeFor(attempt.Payment, nil, failErr)
	}
	return w.outcomeFor(attempt.Payment, nil, cause)
}

// awaitConfirmation polls until the gateway reports a terminal status or the
// attempt budget runs out. A poll error is logged and uses up an attempt.
func (w *Workflow) awaitConfirmation(ctx context.Context, attempt *Attempt) (momo.Status, int, error) {
	ref := attempt.Payment.PaymentReference
	interval := w.cfg.PollIntervalDuration()

	for n := 1; n <= w.cfg.MaxPollAttempts; n++ {
		if err := w.sleep(ctx, interval); err != nil || w.lifetime.Err() != nil {
			return momo.StatusPending, n - 1, errInterrupted
		}

		res, err := w.CheckStatus(ctx, attempt.Payment, n)
		if err != nil {
			w.logger.Warn("status poll failed", map[string]interface{}{
				"referenceId": ref,
				"attempt":     n,
				"error":       err.Error(),
			})
			continue
		}
		if res.Status.IsTerminal() {
			return res.Status, n, nil
		}
	}
	return momo.StatusPending, w.cfg.MaxPollAttempts, nil
}

// outcomeFor converts the workflow result to what the caller sees.
func (w *Workflow) outcomeFor(p *models.Payment, sub *models.Subscription, err error) Outcome {
	out := Outcome{}
	if p != nil {
		out.PaymentID = p.ID
		out.ReferenceID = p.PaymentReference
	}
	if err != nil {
		code := apperrors.CodeOf(err)
		out.Message = apperrors.UserMessage(err)
		out.ErrorCode = code
		metrics.PaymentOutcomes.WithLabelValues(string(models.PaymentFailed), string(code)).Inc()
		return out
	}
	out.Success = true
	out.Message = SuccessMessage
	if sub != nil {
		out.SubscriptionID = sub.ID
	}
	metrics.PaymentOutcomes.WithLabelValues(string(models.PaymentCompleted), "").Inc()
	return out
}

func (w *Workflow) record(ctx context.Context, ev Event) {
	if w.recorder == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.now()
	}
	if ev.Source == "" {
		ev.Source = "workflow"
	}
	if err := w.recorder.Record(ctx, ev); err != nil {
		w.logger.Warn("failed to record payment event", map[string]interface{}{
			"referenceId": ev.ReferenceID,
			"state":       string(ev.State),
			"error":       err.Error(),
		})
	}
}

func (w *Workflow) escalate(ctx context.Context, esc Escalation) {
	w.logger.Error("payment needs operator review", map[string]interface{}{
		"code":        string(esc.Code),
		"referenceId": esc.ReferenceID,
		"paymentId":   esc.PaymentID,
		"userId":      esc.UserID,
		"detail":      esc.Detail,
	})
	if w.alerter == nil {
		return
	}
	if err := w.alerter.Escalate(ctx, esc); err != nil {
		w.logger.Error("operator alert failed", map[string]interface{}{
			"referenceId": esc.ReferenceID,
			"error":       err.Error(),
		})
	}
}

// LockKey is the duplicate-purchase guard key for a user and package.
func LockKey(userID string, packageID int64) string {
	return "purchase:" + userID + ":" + strconv.FormatInt(packageID, 10)
}

// ReleaseLock drops the purchase guard taken by Start.
func (w *Workflow) ReleaseLock(ctx context.Context, key, owner string) {
	if w.locker == nil || key == "" {
		return
	}
	if err := w.locker.Release(ctx, key, owner); err != nil {
		w.logger.Warn("failed to release purchase lock", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func (w *Workflow) acquireLock(ctx context.Context, req Request) (string, string, error) {
	if w.locker == nil {
		return "", "", nil
	}
	key := LockKey(req.UserID, req.PackageID)
	owner := uuid.NewString()
	ok, err := w.locker.Acquire(ctx, key, owner, w.cfg.PurchaseLockTTLDuration())
	if err != nil {
		// Redis being down must not block sales.
		w.logger.Warn("purchase lock unavailable, continuing without it", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return "", "", nil
	}
	if !ok {
		return "", "", apperrors.NewDuplicatePurchaseError(req.UserID, req.PackageID)
	}
	return key, owner, nil
}

func validateRequest(req *Request) error {
	if req.UserID == "" {
		return apperrors.NewValidationError("userId is required")
	}
	if req.PackageID <= 0 {
		return apperrors.NewValidationError("packageId is required")
	}
	if req.PayerIdentifier == "" {
		return apperrors.NewValidationError("phone number is required")
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentMethodMobileMoney
	}
	if req.PaymentMethod != models.PaymentMethodMobileMoney {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported payment method %q", req.PaymentMethod))
	}
	return nil
}

func lookupError(packageID int64, err error) error {
	if errors.Is(err, catalog.ErrPackageNotFound) {
		return apperrors.NewInvalidPackageError(packageID)
	}
	return apperrors.NewPersistenceError("get package", err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
