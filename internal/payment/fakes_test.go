package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"skyfi-billing/internal/catalog"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/store"

	"github.com/shopspring/decimal"
)

// ==========================
// Gateway
// ==========================

type fakeGateway struct {
	mu          sync.Mutex
	initiateErr error
	nextRef     int
	refs        []string
	initiated   []momo.InitiateRequest
	polls       map[string]int
	// poll answers the n-th (1-based) status request for ref.
	poll func(ref string, n int) (*momo.StatusResult, error)
}

func newFakeGateway(statuses ...momo.Status) *fakeGateway {
	g := &fakeGateway{polls: map[string]int{}}
	g.poll = func(ref string, n int) (*momo.StatusResult, error) {
		s := momo.StatusPending
		if len(statuses) > 0 {
			if n <= len(statuses) {
				s = statuses[n-1]
			} else {
				s = statuses[len(statuses)-1]
			}
		}
		return &momo.StatusResult{ReferenceID: ref, Status: s}, nil
	}
	return g
}

func (g *fakeGateway) Initiate(ctx context.Context, req momo.InitiateRequest) (*momo.InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, req)
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	var ref string
	if g.nextRef < len(g.refs) {
		ref = g.refs[g.nextRef]
	} else {
		ref = fmt.Sprintf("ref-%d", g.nextRef+1)
	}
	g.nextRef++
	return &momo.InitiateResult{ReferenceID: ref, Status: momo.StatusPending}, nil
}

func (g *fakeGateway) PollStatus(ctx context.Context, ref string) (*momo.StatusResult, error) {
	g.mu.Lock()
	g.polls[ref]++
	n := g.polls[ref]
	poll := g.poll
	g.mu.Unlock()
	return poll(ref, n)
}

func (g *fakeGateway) pollCount(ref string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls[ref]
}

// ==========================
// Catalog
// ==========================

type fakePackages map[int64]models.Package

func defaultPackages() fakePackages {
	return fakePackages{
		1: {ID: 1, Name: "Daily", Price: decimal.NewFromInt(1500), DurationDays: 1},
		2: {ID: 2, Name: "Weekly", Price: decimal.NewFromInt(8500), DurationDays: 7},
		3: {ID: 3, Name: "Monthly", Price: decimal.NewFromInt(35000), DurationDays: 30},
	}
}

func (f fakePackages) Get(ctx context.Context, id int64) (*models.Package, error) {
	p, ok := f[id]
	if !ok {
		return nil, catalog.ErrPackageNotFound
	}
	return &p, nil
}

// ==========================
// Store
// ==========================

type memCallback struct {
	id        int64
	processed bool
	err       string
}

// memStore mimics the transactional semantics of store.Store.
type memStore struct {
	mu        sync.Mutex
	packages  fakePackages
	payments  map[int64]*models.Payment
	subs      map[int64]*models.Subscription
	callbacks map[string]*memCallback
	nextID    int64
	now       time.Time

	createErr error
	fulfilErr error
}

func newMemStore() *memStore {
	return &memStore{
		packages:  defaultPackages(),
		payments:  map[int64]*models.Payment{},
		subs:      map[int64]*models.Subscription{},
		callbacks: map[string]*memCallback{},
		now:       time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreatePayment(ctx context.Context, np store.NewPayment) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	p := &models.Payment{
		ID:               m.id(),
		UserID:           np.UserID,
		PackageID:        np.PackageID,
		Amount:           np.Amount,
		Currency:         np.Currency,
		PaymentMethod:    np.PaymentMethod,
		PaymentReference: np.Reference,
		Status:           models.PaymentPending,
		CreatedAt:        m.now,
		UpdatedAt:        m.now,
	}
	m.payments[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPaymentByReference(ctx context.Context, ref string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.PaymentReference == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, reason string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Status == models.PaymentPending {
		p.Status = status
		p.FailureReason = reason
	}
	cp := *p
	if cp.Status != status {
		return &cp, fmt.Errorf("%w: payment %d is %s", store.ErrInvalidTransition, id, cp.Status)
	}
	return &cp, nil
}

func (m *memStore) FulfilPayment(ctx context.Context, paymentID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch p.Status {
	case models.PaymentCompleted:
		cp := *m.subs[*p.SubscriptionID]
		return &cp, nil
	case models.PaymentFailed:
		return nil, store.ErrInvalidTransition
	}
	if m.fulfilErr != nil {
		return nil, m.fulfilErr
	}

	pkg := m.packages[p.PackageID]
	for _, s := range m.subs {
		if s.UserID == p.UserID && s.Status == models.SubscriptionActive {
			s.Status = models.SubscriptionCancelled
		}
	}
	sub := &models.Subscription{
		ID:               m.id(),
		UserID:           p.UserID,
		PackageID:        p.PackageID,
		StartDate:        m.now,
		EndDate:          m.now.AddDate(0, 0, pkg.DurationDays),
		Status:           models.SubscriptionActive,
		PaymentMethod:    p.PaymentMethod,
		PaymentReference: p.PaymentReference,
		CreatedAt:        m.now,
	}
	m.subs[sub.ID] = sub
	p.Status = models.PaymentCompleted
	p.SubscriptionID = &sub.ID
	cp := *sub
	return &cp, nil
}

func (m *memStore) RecordCallback(ctx context.Context, ref, status string, payload []byte) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ref + "|" + status
	if cb, ok := m.callbacks[key]; ok {
		return cb.id, cb.processed, nil
	}
	cb := &memCallback{id: m.id()}
	m.callbacks[key] = cb
	return cb.id, false, nil
}

func (m *memStore) MarkCallbackProcessed(ctx context.Context, id int64, processingErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cb := range m.callbacks {
		if cb.id == id {
			cb.processed = processingErr == nil || apperrors.HasCode(processingErr, apperrors.ErrCodeReconciliation)
			if processingErr != nil {
				cb.err = processingErr.Error()
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for id := int64(1); id <= m.nextID; id++ {
		p, ok := m.payments[id]
		if ok && p.Status == models.PaymentPending && p.CreatedAt.Before(olderThan) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.subs {
		if s.Status == models.SubscriptionActive && !s.EndDate.After(now) {
			s.Status = models.SubscriptionExpired
			n++
		}
	}
	return n, nil
}

func (m *memStore) paymentByRef(ref string) *models.Payment {
	p, err := m.GetPaymentByReference(context.Background(), ref)
	if err != nil {
		return nil
	}
	return p
}

func (m *memStore) subscriptions() []models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	return out
}

func (m *memStore) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// ==========================
// Side channels
// ==========================

type recordingAlerter struct {
	mu          sync.Mutex
	escalations []Escalation
}

func (a *recordingAlerter) Escalate(ctx context.Context, esc Escalation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.escalations = append(a.escalations, esc)
	return nil
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingRecorder) Record(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

type recordingPublisher struct {
	published []string
	err       error
}

func (p *recordingPublisher) PublishPaymentStatus(ctx context.Context, ref string, status momo.Status) error {
	p.published = append(p.published, ref+":"+string(status))
	return p.err
}

type countingSleep struct {
	mu    sync.Mutex
	calls int
	hook  func(n int)
}

func (s *countingSleep) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls++
	n := s.calls
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

var errBoom = errors.New("boom")
