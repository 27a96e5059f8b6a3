// Package connectivity tracks network reachability for the sync layer.
//
// A Hub holds the current online/offline state and fans transitions out to
// subscribers on a dedicated background goroutine; signal sources (MQTT
// broker connection state, an explicit probe, tests) push state changes
// into it. The hub itself never polls.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
)

// Monitor exposes reachability to consumers.
type Monitor interface {
	// Online reports the current reachability state.
	Online() bool
	// Subscribe registers fn to run on every transition. The returned
	// cancel func unregisters it. fn runs on the hub's dispatch goroutine,
	// never on the caller's.
	Subscribe(fn func(online bool)) (cancel func())
}

// Hub is the fan-out core shared by all signal sources.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	events chan bool
	done   chan struct{}
	once   sync.Once
}

// NewHub creates a Hub that starts in the offline state and begins
// dispatching immediately.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger: logger.With("component", "connectivity"),
		subs:   make(map[int]func(online bool)),
		events: make(chan bool, 16),
		done:   make(chan struct{}),
	}
	go h.dispatchLoop()
	return h
}

// Online reports the current state.
func (h *Hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// Subscribe registers a transition callback.
func (h *Hub) Subscribe(fn func(online bool)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// SetOnline records a state observation from a signal source. Repeated
// observations of the same state are dropped; only transitions dispatch.
func (h *Hub) SetOnline(online bool) {
	h.mu.Lock()
	if h.online == online {
		h.mu.Unlock()
		return
	}
	h.online = online
	h.mu.Unlock()

	h.logger.Info("connectivity changed", "online", online)
	select {
	case h.events <- online:
	case <-h.done:
	}
}

// Close stops the dispatch goroutine. Pending transitions are dropped.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) dispatchLoop() {
	for {
		select {
		case <-h.done:
			return
		case online := <-h.events:
			h.mu.Lock()
			fns := make([]func(bool), 0, len(h.subs))
			for _, fn := range h.subs {
				fns = append(fns, fn)
			}
			h.mu.Unlock()
			for _, fn := range fns {
				fn(online)
			}
		}
	}
}

// WaitOnline blocks until the hub reports online or ctx expires. Used by
// callers that want to defer a remote call briefly rather than queue it.
func (h *Hub) WaitOnline(ctx context.Context) error {
	if h.Online() {
		return nil
	}
	ch := make(chan struct{}, 1)
	cancel := h.Subscribe(func(online bool) {
		if online {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	// Re-check after subscribing so a transition between the first check
	// and Subscribe is not missed.
	if h.Online() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
