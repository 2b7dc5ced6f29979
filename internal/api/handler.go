// Package api is the HTTP boundary of the billing service.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"skyfi-billing/internal/appstate"
	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/payment"
	"skyfi-billing/internal/process"
	"skyfi-billing/internal/store"

	"github.com/labstack/echo/v4"
)

const DefaultUserIDHeader = "X-User-Id"

type Store interface {
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	UpsertUserProfile(ctx context.Context, p *models.UserProfile) (*models.UserProfile, error)
	ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)
}

type Catalog interface {
	List(ctx context.Context) ([]models.Package, error)
}

// Purchases runs or starts a purchase.
type Purchases interface {
	Process(ctx context.Context, req payment.Request) payment.Outcome
	Start(ctx context.Context, req payment.Request) (*payment.Attempt, error)
	ReleaseLock(ctx context.Context, key, owner string)
}

// ProcessStarter hands a started purchase to the workflow engine.
type ProcessStarter interface {
	StartPurchase(ctx context.Context, processID string, vars map[string]interface{}) (int64, error)
}

type Callbacks interface {
	Handle(ctx context.Context, referenceID string, body []byte) (*payment.CallbackResult, error)
}

// Check is a named readiness check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators of the API. Nil members switch their routes to
// 503 so a partially configured deployment still serves what it can.
type Deps struct {
	Store     Store
	Catalog   Catalog
	Purchases Purchases
	Engine    ProcessStarter
	Callbacks Callbacks
	Hub       *appstate.Hub
	Gateway   config.GatewayConfig
	ProcessID string
	UserIDHdr string
	Checks    []Check
	Logger    logger.Logger
}

type Handler struct {
	deps   Deps
	logger logger.Logger
	now    func() time.Time
}

func NewHandler(deps Deps) *Handler {
	if deps.UserIDHdr == "" {
		deps.UserIDHdr = DefaultUserIDHeader
	}
	if deps.ProcessID == "" {
		deps.ProcessID = process.ID
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Handler{
		deps:   deps,
		logger: log.WithFields(map[string]interface{}{"component": "api"}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/ready", h.Ready)

	v1 := e.Group("/api/v1")
	v1.GET("/packages", h.ListPackages)
	v1.POST("/momo/callback", h.Callback)
	v1.POST("/momo/callback/:referenceId", h.Callback)

	v1.POST("/purchases", h.Purchase, h.requireUser)
	v1.GET("/payments/:referenceId/status", h.PaymentStatus, h.requireUser)
	v1.GET("/me/dashboard", h.Dashboard, h.requireUser)
	v1.GET("/me/payments", h.MyPayments, h.requireUser)
	v1.GET("/me/subscription", h.MySubscription, h.requireUser)
	v1.GET("/me/subscriptions", h.MySubscriptions, h.requireUser)
	v1.GET("/me/profile", h.GetProfile, h.requireUser)
	v1.PUT("/me/profile", h.UpdateProfile, h.requireUser)
}

const userKey = "userId"

// requireUser reads the caller identity set by the auth proxy.
func (h *Handler) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(h.deps.UserIDHdr)
		if userID == "" {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: errorBody{
				Code:    "UNAUTHENTICATED",
				Message: "Sign in to continue",
			}})
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

// ==========================
// Health
// ==========================

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.deps.Checks))
	for _, chk := range h.deps.Checks {
		if err := chk.Ping(ctx); err != nil {
			results[chk.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[chk.Name] = "ok"
	}
	return c.JSON(status, map[string]interface{}{"ready": status == http.StatusOK, "checks": results})
}

// ==========================
// Catalog
// ==========================

func (h *Handler) ListPackages(c echo.Context) error {
	if h.deps.Catalog == nil {
		return notConfigured(c, "database")
	}
	pkgs, err := h.deps.Catalog.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, pkgs)
}

// ==========================
// Purchases
// ==========================

type PurchaseRequest struct {
	PackageID     int64  `json:"packageId" validate:"required,gt=0"`
	PhoneNumber   string `json:"phoneNumber" validate:"required"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,oneof=mobile_money"`
}

// PurchaseAccepted is returned when the engine drives the purchase.
type PurchaseAccepted struct {
	PaymentID          int64  `json:"paymentId"`
	ReferenceID        string `json:"referenceId"`
	Status             string `json:"status"`
	ProcessInstanceKey int64  `json:"processInstanceKey,omitempty"`
}

// Purchase runs the payment workflow. Without an engine the request blocks
// until the payment settles; with one it answers 202 once the charge is
// initiated.
func (h *Handler) Purchase(c echo.Context) error {
	if h.deps.Purchases == nil {
		return notConfigured(c, "payments")
	}
	if !h.deps.Gateway.IsConfigured() {
		return respondError(c, apperrors.NewConfigurationError("payments", h.deps.Gateway.Missing()...))
	}

	var body PurchaseRequest
	if err := c.Bind(&body); err != nil {
		return respondError(c, apperrors.NewValidationError("malformed request body"))
	}
	if err := c.Validate(&body); err != nil {
		return respondError(c, apperrors.NewValidationError(err.Error()))
	}

	req := payment.Request{
		UserID:          userID(c),
		PackageID:       body.PackageID,
		PaymentMethod:   body.PaymentMethod,
		PayerIdentifier: body.PhoneNumber,
	}
	ctx := c.Request().Context()

	if h.deps.Engine == nil {
		out := h.deps.Purchases.Process(ctx, req)
		h.refreshUser(req.UserID)
		switch {
		case out.Success:
			return c.JSON(http.StatusCreated, out)
		case out.Pending:
			return c.JSON(http.StatusAccepted, out)
		}
		return c.JSON(StatusFor(out.ErrorCode), out)
	}

	attempt, err := h.deps.Purchases.Start(ctx, req)
	if err != nil {
		return respondError(c, err)
	}
	p := attempt.Payment
	key, err := h.deps.Engine.StartPurchase(ctx, h.deps.ProcessID, map[string]interface{}{
		"userId":      req.UserID,
		"packageId":   req.PackageID,
		"phoneNumber": req.PayerIdentifier,
		"paymentId":   p.ID,
		"referenceId": p.PaymentReference,
		"lockKey":     attempt.LockKey,
		"lockOwner":   attempt.LockOwner,
		"pollAttempt": 0,
	})
	if err != nil {
		// The reconciler settles payments nobody is driving.
		h.deps.Purchases.ReleaseLock(context.WithoutCancel(ctx), attempt.LockKey, attempt.LockOwner)
		h.logger.Error("purchase instance not started", map[string]interface{}{
			"referenceId": p.PaymentReference,
			"error":       err.Error(),
		})
	}
	h.refreshUser(req.UserID)
	return c.JSON(http.StatusAccepted, PurchaseAccepted{
		PaymentID:          p.ID,
		ReferenceID:        p.PaymentReference,
		Status:             string(p.Status),
		ProcessInstanceKey: key,
	})
}

// PaymentStatus lets the storefront poll a purchase it handed to the engine.
func (h *Handler) PaymentStatus(c echo.Context) error {
	if h.deps.Store == nil {
		return notConfigured(c, "database")
	}
	p, err := h.deps.Store.GetPaymentByReference(c.Request().Context(), c.Param("referenceId"))
	if err != nil {
		return respondError(c, err)
	}
	// Other users' payments are indistinguishable from missing ones.
	if p.UserID != userID(c) {
		return respondError(c, store.ErrNotFound)
	}
	return c.JSON(http.StatusOK, p)
}

// ==========================
// Dashboard
// ==========================

type SubscriptionView struct {
	*models.Subscription
	TimeLeft payment.TimeLeft `json:"timeLeft"`
}

type Dashboard struct {
	Profile      *models.UserProfile `json:"profile,omitempty"`
	Subscription *SubscriptionView   `json:"subscription"`
	Payments     []models.Payment    `json:"payments"`
	Packages     []models.Package    `json:"packages"`
	Error        string              `json:"error,omitempty"`
}

func (h *Handler) subscriptionView(sub *models.Subscription) *SubscriptionView {
	if sub == nil {
		return nil
	}
	return &SubscriptionView{Subscription: sub, TimeLeft: payment.Remaining(sub.EndDate, h.now())}
}

func (h *Handler) state(c echo.Context) (appstate.State, error) {
	return h.deps.Hub.Load(c.Request().Context(), userID(c))
}

// Dashboard answers with whatever loaded; a partial failure shows up in
// the error field rather than failing the page.
func (h *Handler) Dashboard(c echo.Context) error {
	if h.deps.Hub == nil {
		return notConfigured(c, "database")
	}
	s, _ := h.state(c)
	return c.JSON(http.StatusOK, Dashboard{
		Profile:      s.Profile,
		Subscription: h.subscriptionView(s.Subscription),
		Payments:     s.Payments,
		Packages:     s.Packages,
		Error:        s.Error,
	})
}

func (h *Handler) MyPayments(c echo.Context) error {
	if h.deps.Hub == nil {
		return notConfigured(c, "database")
	}
	s, err := h.state(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.Payments)
}

func (h *Handler) MySubscription(c echo.Context) error {
	if h.deps.Hub == nil {
		return notConfigured(c, "database")
	}
	s, err := h.state(c)
	if err != nil {
		return respondError(c, err)
	}
	if s.Subscription == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"subscription": nil})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"subscription": h.subscriptionView(s.Subscription)})
}

func (h *Handler) MySubscriptions(c echo.Context) error {
	if h.deps.Store == nil {
		return notConfigured(c, "database")
	}
	subs, err := h.deps.Store.ListUserSubscriptions(c.Request().Context(), userID(c))
	if err != nil {
		return respondError(c, err)
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return c.JSON(http.StatusOK, subs)
}

// ==========================
// Profile
// ==========================

type ProfileUpdate struct {
	Email       string `json:"email" validate:"required,email"`
	FullName    string `json:"fullName" validate:"required,max=120"`
	PhoneNumber string `json:"phoneNumber" validate:"omitempty,max=20"`
	StudentID   string `json:"studentId" validate:"omitempty,max=40"`
}

func (h *Handler) GetProfile(c echo.Context) error {
	if h.deps.Store == nil {
		return notConfigured(c, "database")
	}
	p, err := h.deps.Store.GetUserProfile(c.Request().Context(), userID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, apperrors.NewNotFoundError("profile", userID(c)))
		}
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	if h.deps.Store == nil {
		return notConfigured(c, "database")
	}
	var body ProfileUpdate
	if err := c.Bind(&body); err != nil {
		return respondError(c, apperrors.NewValidationError("malformed request body"))
	}
	if err := c.Validate(&body); err != nil {
		return respondError(c, apperrors.NewValidationError(err.Error()))
	}

	p, err := h.deps.Store.UpsertUserProfile(c.Request().Context(), &models.UserProfile{
		ID:          userID(c),
		Email:       body.Email,
		FullName:    body.FullName,
		PhoneNumber: body.PhoneNumber,
		StudentID:   body.StudentID,
	})
	if err != nil {
		return respondError(c, err)
	}
	if h.deps.Hub != nil {
		_ = h.deps.Hub.Container(p.ID).LoadProfile(c.Request().Context())
	}
	return c.JSON(http.StatusOK, p)
}

// ==========================
// Gateway callback
// ==========================

// Callback accepts a provider notification. Anything well-formed is
// acknowledged with 200 so the provider stops redelivering; the reconciler
// catches what processing missed.
func (h *Handler) Callback(c echo.Context) error {
	if h.deps.Callbacks == nil {
		return notConfigured(c, "payments")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		return respondError(c, apperrors.NewValidationError("unreadable body"))
	}

	res, err := h.deps.Callbacks.Handle(c.Request().Context(), c.Param("referenceId"), body)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeValidation) {
			return respondError(c, err)
		}
		h.logger.Error("callback processing failed", map[string]interface{}{
			"referenceId": c.Param("referenceId"),
			"error":       err.Error(),
		})
		return c.JSON(http.StatusOK, map[string]interface{}{"received": true})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"received":  true,
		"duplicate": res.Duplicate,
		"ignored":   res.Ignored,
	})
}

// refreshUser reloads the caller's container after a purchase in case the
// change feed is not running.
func (h *Handler) refreshUser(userID string) {
	if h.deps.Hub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := h.deps.Hub.Container(userID)
	_ = c.LoadPayments(ctx)
	_ = c.LoadSubscription(ctx)
}
