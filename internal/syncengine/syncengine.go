// Package syncengine drains the durable operation queue against the remote
// store. Drain is single-flight: an atomic flag guarantees one drain at a
// time no matter how many connectivity transitions or enqueue-time attempts
// fire together. Operations are dispatched concurrently; completion order
// across the snapshot is deliberately not the enqueue order.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumoshq/fieldsync/internal/clock"
	"github.com/lumoshq/fieldsync/internal/connectivity"
	"github.com/lumoshq/fieldsync/internal/opqueue"
	"github.com/lumoshq/fieldsync/internal/remote"
)

// DefaultMaxParallel bounds concurrent remote dispatches per drain.
const DefaultMaxParallel = 8

// Engine drains queued operations when the device is online.
type Engine struct {
	queue       *opqueue.Queue
	store       remote.Store
	monitor     connectivity.Monitor
	clock       clock.Clock
	logger      *slog.Logger
	maxParallel int

	draining atomic.Bool

	mu          sync.Mutex
	lastSync    time.Time
	hasLastSync bool

	unsubscribe func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxParallel bounds concurrent dispatches per drain.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// New creates an Engine. Call Start to react to connectivity transitions.
func New(queue *opqueue.Queue, store remote.Store, monitor connectivity.Monitor, clk clock.Clock, logger *slog.Logger, opts ...Option) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		queue:       queue,
		store:       store,
		monitor:     monitor,
		clock:       clk,
		logger:      logger.With("component", "syncengine"),
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to connectivity so an offline-to-online transition with
// pending work triggers a drain. The drain runs on the hub's dispatch
// goroutine context but returns quickly when there is nothing to do.
func (e *Engine) Start(ctx context.Context) {
	e.unsubscribe = e.monitor.Subscribe(func(online bool) {
		if online && e.queue.Len() > 0 {
			e.Drain(ctx)
		}
	})
}

// Stop detaches from connectivity. An in-progress drain finishes on its own.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// Drain delivers every currently queued operation. Idempotent and safe to
// call from anywhere: it is a no-op when offline, when the queue is empty,
// or when another drain is already running. Entries whose remote call fails
// stay queued for the next drain; there is no backoff schedule beyond the
// remote client's own retries.
func (e *Engine) Drain(ctx context.Context) {
	if !e.monitor.Online() || e.queue.Len() == 0 {
		return
	}
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	ops := e.queue.All()
	e.logger.Info("drain started", "pending", len(ops))

	var mu sync.Mutex
	succeeded := make(map[string]struct{}, len(ops))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for _, op := range ops {
		g.Go(func() error {
			if err := e.dispatch(gctx, op); err != nil {
				e.logger.Warn("queued operation failed, keeping it",
					"op_id", op.OpID,
					"kind", op.Kind,
					"collection", op.CollectionPath,
					"error", err)
				return nil // one failure must not cancel the rest
			}
			mu.Lock()
			succeeded[op.OpID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := e.queue.Remove(succeeded); err != nil {
		e.logger.Error("failed to remove confirmed operations", "error", err)
		return
	}

	if len(succeeded) > 0 {
		e.mu.Lock()
		e.lastSync = e.clock.Now()
		e.hasLastSync = true
		e.mu.Unlock()
	}

	e.logger.Info("drain finished",
		"delivered", len(succeeded),
		"remaining", e.queue.Len())
}

func (e *Engine) dispatch(ctx context.Context, op opqueue.PendingOperation) error {
	switch op.Kind {
	case opqueue.KindCreate:
		_, err := e.store.Create(ctx, op.CollectionPath, op.ID, op.Fields)
		return err
	case opqueue.KindUpdate:
		return e.store.Update(ctx, op.CollectionPath, op.ID, op.Fields)
	case opqueue.KindDelete:
		return e.store.Delete(ctx, op.CollectionPath, op.ID)
	default:
		// A blob written by a newer queue format stays queued rather than
		// being misread as a delete.
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// LastSyncTime returns when a drain last delivered at least one operation.
func (e *Engine) LastSyncTime() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync, e.hasLastSync
}

// HasPendingWork reports whether anything is still queued.
func (e *Engine) HasPendingWork() bool {
	return e.queue.Len() > 0
}
