// Package sync keeps the local conversation list converged with the server.
// The server pushes full per-user snapshots, not deltas, so the merge is a
// wholesale replace; bursts of pushes are coalesced and a full refetch runs
// on every (re)connection to cover events dropped during outages.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/conn"
	"github.com/beaconhq/beacon/internal/rest"
	"github.com/beaconhq/beacon/internal/store"
	"go.uber.org/zap"
)

// DefaultDebounce is the coalescing window for list pushes.
const DefaultDebounce = 200 * time.Millisecond

// Lister is the slice of the REST client the reconciler needs.
type Lister interface {
	ListConversations(ctx context.Context, userID string) ([]rest.ConversationSummary, error)
}

// Reconciler merges server-pushed conversation snapshots into the store.
type Reconciler struct {
	db       *store.DB
	api      Lister
	manager  *conn.Manager
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending []store.Conversation
	timer   *time.Timer

	cancel context.CancelFunc
}

// NewReconciler creates a reconciler. debounce <= 0 selects DefaultDebounce.
func NewReconciler(db *store.DB, api Lister, manager *conn.Manager, b *bus.Bus, logger *zap.Logger, debounce time.Duration) *Reconciler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Reconciler{
		db:       db,
		api:      api,
		manager:  manager,
		bus:      b,
		logger:   logger,
		debounce: debounce,
	}
}

// Start registers the per-user list push handler and begins watching for
// (re)connections, each of which triggers a full refresh.
func (r *Reconciler) Start(ctx context.Context, userID string) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.manager.On(conn.ListUpdateEvent(userID), r.OnListPush)

	ch, unsub := r.bus.Subscribe("conn.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind != "conn.connected" && evt.Kind != "conn.reconnected" {
					continue
				}
				if err := r.Refresh(ctx, userID); err != nil {
					r.logger.Warn("list refresh failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the refresh watcher and any pending debounce timer.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
	r.mu.Unlock()
}

// OnListPush handles one server-pushed snapshot. Pushes inside the debounce
// window collapse to the most recent payload; there is a single pending timer
// that is reset, never stacked, so an older snapshot can never be applied
// after a newer one.
func (r *Reconciler) OnListPush(raw json.RawMessage) {
	convs, err := decodeList(raw)
	if err != nil {
		// Keep the last good authoritative list.
		r.logger.Warn("malformed list push ignored", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.pending = convs
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.applyPending)
	r.mu.Unlock()
}

func (r *Reconciler) applyPending() {
	r.mu.Lock()
	convs := r.pending
	r.pending = nil
	r.timer = nil
	r.mu.Unlock()
	if convs == nil {
		return
	}
	r.apply(convs)
}

// Refresh replaces the list with the authoritative copy fetched over REST.
// Called on focus and on every (re)connection.
func (r *Reconciler) Refresh(ctx context.Context, userID string) error {
	summaries, err := r.api.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	r.apply(fromSummaries(summaries))
	return nil
}

func (r *Reconciler) apply(convs []store.Conversation) {
	if err := r.db.ReplaceConversations(convs); err != nil {
		r.logger.Error("failed to store conversation list", zap.Error(err))
		return
	}
	r.bus.Publish(bus.Event{
		Kind:      "list.updated",
		Timestamp: time.Now(),
		Payload:   len(convs),
	})
}

// decodeList parses a pushed snapshot. Anything that is not a JSON array of
// conversation summaries counts as malformed; in particular `null` decodes
// into a nil slice without error and must not erase the stored list.
func decodeList(raw json.RawMessage) ([]store.Conversation, error) {
	if !isJSONArray(raw) {
		return nil, errors.New("payload is not a JSON array")
	}
	var summaries []rest.ConversationSummary
	if err := json.Unmarshal(raw, &summaries); err != nil {
		return nil, err
	}
	return fromSummaries(summaries), nil
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b == '['
		}
	}
	return false
}

func fromSummaries(summaries []rest.ConversationSummary) []store.Conversation {
	convs := make([]store.Conversation, 0, len(summaries))
	for _, s := range summaries {
		members := make([]store.UserRef, 0, len(s.Members))
		for _, m := range s.Members {
			members = append(members, store.UserRef{ID: m.ID, Name: m.Name})
		}
		convs = append(convs, store.Conversation{
			ID:        s.ID,
			IsGroup:   s.IsGroup,
			Title:     s.Title,
			Members:   members,
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			RadiusKm:  s.RadiusKm,
			UpdatedAt: s.UpdatedAt,
		})
	}
	return convs
}
