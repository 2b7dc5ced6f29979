// Package appstate keeps the latest known subscription, payments and
// packages per signed-in user, refreshed by explicit reloads and by store
// change notifications.
package appstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/store"

	"github.com/spf13/cast"
)

// Loader reads a user's rows from the store.
type Loader interface {
	GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	ListPaymentHistory(ctx context.Context, userID string, limit int) ([]models.Payment, error)
}

// PackageLister reads the catalog.
type PackageLister interface {
	List(ctx context.Context) ([]models.Package, error)
}

type Loading struct {
	Profile      bool `json:"profile"`
	Subscription bool `json:"subscription"`
	Payments     bool `json:"payments"`
	Packages     bool `json:"packages"`
}

// State is a point-in-time copy of a container.
type State struct {
	UserID       string               `json:"userId"`
	Profile      *models.UserProfile  `json:"profile,omitempty"`
	Subscription *models.Subscription `json:"subscription"`
	Payments     []models.Payment     `json:"payments"`
	Packages     []models.Package     `json:"packages"`
	Loading      Loading              `json:"loading"`
	Error        string               `json:"error,omitempty"`
	Loaded       bool                 `json:"-"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

const defaultHistoryLimit = 50

type Container struct {
	mu           sync.RWMutex
	state        State
	loader       Loader
	packages     PackageLister
	historyLimit int
	logger       logger.Logger
	now          func() time.Time
}

func NewContainer(userID string, loader Loader, packages PackageLister, log logger.Logger) *Container {
	return &Container{
		state:        State{UserID: userID, Payments: []models.Payment{}, Packages: []models.Package{}},
		loader:       loader,
		packages:     packages,
		historyLimit: defaultHistoryLimit,
		logger:       log.WithFields(map[string]interface{}{"component": "appstate", "userId": userID}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (c *Container) UserID() string {
	return c.state.UserID
}

// load flips the loading flag around fn and records its error.
func (c *Container) load(flag *bool, what string, fn func() error) error {
	c.mu.Lock()
	*flag = true
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	*flag = false
	c.state.UpdatedAt = c.now()
	if err != nil {
		c.state.Error = "Failed to load " + what
		c.logger.Warn("state reload failed", map[string]interface{}{"what": what, "error": err.Error()})
	}
	return err
}

func (c *Container) LoadProfile(ctx context.Context) error {
	return c.load(&c.state.Loading.Profile, "profile", func() error {
		p, err := c.loader.GetUserProfile(ctx, c.state.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		c.mu.Lock()
		c.state.Profile = p
		c.mu.Unlock()
		return nil
	})
}

// LoadSubscription replaces the active subscription; nil means none.
func (c *Container) LoadSubscription(ctx context.Context) error {
	return c.load(&c.state.Loading.Subscription, "subscription", func() error {
		sub, err := c.loader.GetActiveSubscription(ctx, c.state.UserID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.state.Subscription = sub
		c.mu.Unlock()
		return nil
	})
}

func (c *Container) LoadPayments(ctx context.Context) error {
	return c.load(&c.state.Loading.Payments, "payment history", func() error {
		payments, err := c.loader.ListPaymentHistory(ctx, c.state.UserID, c.historyLimit)
		if err != nil {
			return err
		}
		if payments == nil {
			payments = []models.Payment{}
		}
		c.mu.Lock()
		c.state.Payments = payments
		c.mu.Unlock()
		return nil
	})
}

func (c *Container) LoadPackages(ctx context.Context) error {
	return c.load(&c.state.Loading.Packages, "packages", func() error {
		pkgs, err := c.packages.List(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.state.Packages = pkgs
		c.mu.Unlock()
		return nil
	})
}

// RefreshAll reloads everything and returns the first error. The
// container counts as loaded only once a refresh fully succeeds.
func (c *Container) RefreshAll(ctx context.Context) error {
	c.SetError("")
	var first error
	for _, fn := range []func(context.Context) error{c.LoadProfile, c.LoadSubscription, c.LoadPayments, c.LoadPackages} {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		c.mu.Lock()
		c.state.Loaded = true
		c.mu.Unlock()
	}
	return first
}

// AddPayment puts a payment at the top of the history unless it is known.
func (c *Container) AddPayment(p models.Payment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.state.Payments {
		if existing.ID == p.ID {
			return
		}
	}
	c.state.Payments = append([]models.Payment{p}, c.state.Payments...)
	c.state.UpdatedAt = c.now()
}

// UpdatePayment applies patch to the payment with id and reports whether it
// was found.
func (c *Container) UpdatePayment(id int64, patch func(p *models.Payment)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Payments {
		if c.state.Payments[i].ID == id {
			patch(&c.state.Payments[i])
			c.state.UpdatedAt = c.now()
			return true
		}
	}
	return false
}

func (c *Container) SetError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Error = msg
}

// Reset drops everything, as on sign-out.
func (c *Container) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{UserID: c.state.UserID, Payments: []models.Payment{}, Packages: []models.Package{}}
}

// Snapshot returns a copy safe to hand to other goroutines.
func (c *Container) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	if c.state.Profile != nil {
		p := *c.state.Profile
		s.Profile = &p
	}
	if c.state.Subscription != nil {
		sub := *c.state.Subscription
		s.Subscription = &sub
	}
	s.Payments = append([]models.Payment(nil), c.state.Payments...)
	s.Packages = append([]models.Package(nil), c.state.Packages...)
	return s
}

// ==========================
// Change notifications
// ==========================

// Handle routes a change by table.
func (c *Container) Handle(ctx context.Context, ev models.ChangeEvent) {
	switch ev.Table {
	case models.TablePayments:
		c.HandlePaymentChange(ctx, ev)
	case models.TableSubscriptions:
		c.HandleSubscriptionChange(ctx, ev)
	}
}

// HandlePaymentChange reloads the history on insert and patches the known
// row on update. A payment that just completed also brings a new
// subscription, so that is reloaded too.
func (c *Container) HandlePaymentChange(ctx context.Context, ev models.ChangeEvent) {
	switch ev.Type {
	case models.ChangeInsert:
		_ = c.LoadPayments(ctx)
	case models.ChangeUpdate:
		id := cast.ToInt64(ev.Record["id"])
		found := c.UpdatePayment(id, func(p *models.Payment) { applyPaymentRecord(p, ev.Record) })
		if !found {
			_ = c.LoadPayments(ctx)
		}
		if models.PaymentStatus(cast.ToString(ev.Record["status"])) == models.PaymentCompleted {
			_ = c.LoadSubscription(ctx)
		}
	case models.ChangeDelete:
		_ = c.LoadPayments(ctx)
	}
}

// HandleSubscriptionChange always reloads rather than patching.
func (c *Container) HandleSubscriptionChange(ctx context.Context, ev models.ChangeEvent) {
	_ = c.LoadSubscription(ctx)
}

func applyPaymentRecord(p *models.Payment, rec map[string]interface{}) {
	if v, ok := rec["status"]; ok {
		p.Status = models.PaymentStatus(cast.ToString(v))
	}
	if v, ok := rec["failure_reason"]; ok {
		p.FailureReason = cast.ToString(v)
	}
	if v, ok := rec["subscription_id"]; ok {
		if v == nil {
			p.SubscriptionID = nil
		} else {
			id := cast.ToInt64(v)
			p.SubscriptionID = &id
		}
	}
	if v, ok := rec["updated_at"]; ok {
		if t, err := cast.ToTimeE(v); err == nil {
			p.UpdatedAt = t
		}
	}
}
