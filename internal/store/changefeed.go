package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"

	"github.com/lib/pq"
)

// Channels the schema triggers publish on.
var changeChannels = []string{
	models.TablePayments + "_changes",
	models.TableSubscriptions + "_changes",
}

// ChangeFeed relays row notifications from Postgres LISTEN/NOTIFY.
type ChangeFeed struct {
	listener *pq.Listener
	logger   logger.Logger
}

// NewChangeFeed subscribes listener to the payment and subscription
// channels.
func NewChangeFeed(listener *pq.Listener, log logger.Logger) (*ChangeFeed, error) {
	for _, ch := range changeChannels {
		if err := listener.Listen(ch); err != nil && err != pq.ErrChannelAlreadyOpen {
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return &ChangeFeed{
		listener: listener,
		logger:   log.WithFields(map[string]interface{}{"component": "changefeed"}),
	}, nil
}

// Run delivers every change to handle until ctx is done. resync is called
// after a reconnect because notifications sent meanwhile are lost.
func (f *ChangeFeed) Run(ctx context.Context, handle func(ev models.ChangeEvent), resync func()) error {
	keepalive := time.NewTicker(90 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return f.listener.Close()
		case n := <-f.listener.Notify:
			if n == nil {
				f.logger.Warn("change feed reconnected, resyncing", nil)
				if resync != nil {
					resync()
				}
				continue
			}
			ev, err := DecodeChange(n.Extra)
			if err != nil {
				f.logger.Error("undecodable change notification", map[string]interface{}{
					"channel": n.Channel,
					"error":   err.Error(),
				})
				continue
			}
			handle(ev)
		case <-keepalive.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.Warn("change feed ping failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// DecodeChange parses a trigger payload.
func DecodeChange(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.Table == "" || ev.UserID == "" {
		return ev, fmt.Errorf("change notification missing table or user_id")
	}
	return ev, nil
}
