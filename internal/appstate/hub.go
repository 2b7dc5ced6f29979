package appstate

import (
	"context"
	"sync"
	"time"

	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"
)

// Hub owns one container per user and fans store changes out to them.
type Hub struct {
	mu         sync.Mutex
	containers map[string]*Container
	loader     Loader
	packages   PackageLister
	logger     logger.Logger
	timeout    time.Duration
}

func NewHub(loader Loader, packages PackageLister, log logger.Logger) *Hub {
	return &Hub{
		containers: make(map[string]*Container),
		loader:     loader,
		packages:   packages,
		logger:     log.WithFields(map[string]interface{}{"component": "appstate-hub"}),
		timeout:    10 * time.Second,
	}
}

// Container returns the user's container, creating an empty one on first use.
func (h *Hub) Container(userID string) *Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[userID]
	if !ok {
		c = NewContainer(userID, h.loader, h.packages, h.logger)
		h.containers[userID] = c
	}
	return c
}

// Load returns a snapshot, loading the container first if it never was.
func (h *Hub) Load(ctx context.Context, userID string) (State, error) {
	c := h.Container(userID)
	if !c.Snapshot().Loaded {
		if err := c.RefreshAll(ctx); err != nil {
			return c.Snapshot(), err
		}
	}
	return c.Snapshot(), nil
}

// Forget drops the user's container, as on sign-out.
func (h *Hub) Forget(userID string) {
	h.mu.Lock()
	c, ok := h.containers[userID]
	delete(h.containers, userID)
	h.mu.Unlock()
	if ok {
		c.Reset()
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.containers)
}

func (h *Hub) lookup(userID string) (*Container, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[userID]
	return c, ok
}

// Dispatch routes a change to its user's container. Changes for users
// nobody is watching are dropped.
func (h *Hub) Dispatch(ev models.ChangeEvent) {
	c, ok := h.lookup(ev.UserID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.logger.Debug("change routed", map[string]interface{}{
		"table":  ev.Table,
		"type":   string(ev.Type),
		"userId": ev.UserID,
	})
	c.Handle(ctx, ev)
}

// Resync reloads every container. The change feed calls it after a
// reconnect since notifications sent while disconnected are lost.
func (h *Hub) Resync() {
	h.mu.Lock()
	all := make([]*Container, 0, len(h.containers))
	for _, c := range h.containers {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		_ = c.RefreshAll(ctx)
		cancel()
	}
	h.logger.Info("state resynced", map[string]interface{}{"containers": len(all)})
}
