// Package engine assembles the offline-resilience core behind one facade:
// queued write-behind against the remote document store, cache-through
// reads, and the observability surface the app's screens poll.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/lumoshq/fieldsync/internal/cache"
	"github.com/lumoshq/fieldsync/internal/clock"
	"github.com/lumoshq/fieldsync/internal/config"
	"github.com/lumoshq/fieldsync/internal/connectivity"
	"github.com/lumoshq/fieldsync/internal/fields"
	"github.com/lumoshq/fieldsync/internal/kvstore"
	"github.com/lumoshq/fieldsync/internal/opqueue"
	"github.com/lumoshq/fieldsync/internal/remote"
	"github.com/lumoshq/fieldsync/internal/syncengine"
	"github.com/lumoshq/fieldsync/internal/usage"
)

// SignalSource is a connectivity signal feeding the hub.
type SignalSource interface {
	Start(ctx context.Context) error
	Stop() error
}

// Engine owns every core component. Construct once at process start and
// hand references to consumers; there are no package-level singletons.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	kv       kvstore.Store
	queue    *opqueue.Queue
	cache    *cache.Store
	usage    *usage.Recorder
	hub      *connectivity.Hub
	source   SignalSource
	sync     *syncengine.Engine
	store    remote.Store
	cron     *cron.Cron
	registry *prometheus.Registry
}

// New builds the production wiring from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var kv kvstore.Store
	kv, err := kvstore.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open local storage: %w", err)
	}
	if cfg.Storage.Passphrase != "" {
		kv = kvstore.NewEncrypted(kv, cfg.Storage.Passphrase)
	}

	store := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.AuthToken, logger)

	hub := connectivity.NewHub(logger)
	var source SignalSource
	switch cfg.Connectivity.Mode {
	case "probe":
		source = connectivity.NewProbeMonitor(hub, cfg.Connectivity.ProbeURL,
			time.Duration(cfg.Connectivity.ProbeIntervalSeconds)*time.Second, logger)
	default:
		source = connectivity.NewMQTTMonitor(hub, cfg.Connectivity.Broker,
			cfg.Connectivity.Port, cfg.Connectivity.Username, cfg.Connectivity.Password, logger)
	}

	return NewWithDeps(cfg, logger, kv, store, hub, source, clock.System())
}

// NewWithDeps wires an Engine from injected dependencies. Production code
// goes through New; tests inject an in-memory store, a fake remote, and a
// fake clock here. source may be nil when the hub is fed directly.
func NewWithDeps(cfg *config.Config, logger *slog.Logger, kv kvstore.Store, store remote.Store, hub *connectivity.Hub, source SignalSource, clk clock.Clock) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System()
	}
	registry := prometheus.NewRegistry()

	rec := usage.New(kv, clk, logger,
		usage.WithWarnThreshold(cfg.Usage.WarnThreshold),
		usage.WithMetrics(usage.NewMetrics(registry)))

	cacheStore := cache.New(kv, clk, logger,
		cache.WithTTL(time.Duration(cfg.Cache.TTLDays)*24*time.Hour),
		cache.WithMaxRecords(cfg.Cache.MaxRecords),
		cache.WithObserver(cacheObserver{rec}))

	queue, err := opqueue.New(kv, clk)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		kv:       kv,
		queue:    queue,
		cache:    cacheStore,
		usage:    rec,
		hub:      hub,
		source:   source,
		store:    store,
		sync:     syncengine.New(queue, store, hub, clk, logger),
		cron:     cron.New(),
		registry: registry,
	}
	return e, nil
}

// cacheObserver bridges cache hits/misses into usage accounting. The
// cache's namespace doubles as the collection label; the component label
// marks the read-through path.
type cacheObserver struct {
	rec *usage.Recorder
}

func (o cacheObserver) CacheHit(namespace string, saved int) {
	o.rec.RecordCacheHit(namespace, "cache-through", saved)
}

func (o cacheObserver) CacheMiss(namespace string) {
	o.rec.RecordCacheMiss(namespace, "cache-through")
}

// Start launches the connectivity source, the transition-triggered drain,
// and the maintenance schedules.
func (e *Engine) Start(ctx context.Context) error {
	e.sync.Start(ctx)

	if e.source != nil {
		if err := e.source.Start(ctx); err != nil {
			return fmt.Errorf("start connectivity source: %w", err)
		}
	}

	if _, err := e.cron.AddFunc(e.cfg.Cache.PruneSchedule, func() {
		if _, err := e.cache.Prune(); err != nil {
			e.logger.Warn("cache prune failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule cache prune: %w", err)
	}
	if _, err := e.cron.AddFunc(e.cfg.Usage.RolloverSchedule, func() {
		if err := e.usage.PruneOldDays(); err != nil {
			e.logger.Warn("usage rollover failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule usage rollover: %w", err)
	}
	e.cron.Start()

	e.logger.Info("engine started",
		"connectivity_mode", e.cfg.Connectivity.Mode,
		"pending", e.queue.Len())
	return nil
}

// Stop shuts the engine down. Queued operations stay on disk for the next run.
func (e *Engine) Stop() error {
	e.cron.Stop()
	e.sync.Stop()
	if e.source != nil {
		if err := e.source.Stop(); err != nil {
			e.logger.Warn("connectivity source stop failed", "error", err)
		}
	}
	e.hub.Close()
	return e.kv.Close()
}

// Write attempts the mutation directly when online and falls back to the
// durable queue on failure or while offline. It always returns accepted
// work: the returned record id refers to the record whether it reached the
// remote store already or is still queued. Only a local storage failure
// surfaces as an error.
func (e *Engine) Write(ctx context.Context, kind opqueue.Kind, collection, id string, fm fields.Map) (string, error) {
	if e.hub.Online() {
		recordID, err := e.dispatchDirect(ctx, kind, collection, id, fm)
		if err == nil {
			return recordID, nil
		}
		e.logger.Warn("direct write failed, queueing",
			"kind", kind, "collection", collection, "error", err)
	}

	if id == "" {
		id = uuid.New().String()
	}
	if _, err := e.queue.Enqueue(kind, collection, fm, id); err != nil {
		return "", fmt.Errorf("queue write: %w", err)
	}
	return id, nil
}

func (e *Engine) dispatchDirect(ctx context.Context, kind opqueue.Kind, collection, id string, fm fields.Map) (string, error) {
	switch kind {
	case opqueue.KindCreate:
		return e.store.Create(ctx, collection, id, fm)
	case opqueue.KindUpdate:
		return id, e.store.Update(ctx, collection, id, fm)
	case opqueue.KindDelete:
		return id, e.store.Delete(ctx, collection, id)
	default:
		return "", fmt.Errorf("unknown operation kind %q", kind)
	}
}

// ReadThrough serves namespace/key from the cache, falling back to fetch on
// miss and repopulating. A fetch error with nothing cached propagates to
// the caller.
func ReadThrough[T any](ctx context.Context, e *Engine, namespace, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if cached, ok := cache.Get[T](e.cache, namespace, key); ok {
		return cached, nil
	}

	fetched, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("fetch %s/%s: %w", namespace, key, err)
	}
	e.usage.RecordRead("fetch", namespace, "cache-through", 1)

	if err := e.cache.Put(namespace, key, fetched); err != nil {
		// A cache write failure must not fail a successful read.
		e.logger.Warn("cache repopulate failed",
			"namespace", namespace, "key", key, "error", err)
	}
	return fetched, nil
}

// Drain asks the sync engine to deliver pending work now.
func (e *Engine) Drain(ctx context.Context) { e.sync.Drain(ctx) }

// PendingCount returns the number of queued operations.
func (e *Engine) PendingCount() int { return e.queue.Len() }

// Online reports current connectivity.
func (e *Engine) Online() bool { return e.hub.Online() }

// LastSyncTime returns when a drain last delivered work.
func (e *Engine) LastSyncTime() (time.Time, bool) { return e.sync.LastSyncTime() }

// CacheStatistics summarizes the local cache.
func (e *Engine) CacheStatistics() (cache.Statistics, error) { return e.cache.Stats() }

// UsageReport returns the usage accounting aggregate.
func (e *Engine) UsageReport() usage.Report { return e.usage.Aggregate() }

// Cache exposes the cache store for record-list operations.
func (e *Engine) Cache() *cache.Store { return e.cache }

// Connectivity exposes the hub for status subscribers.
func (e *Engine) Connectivity() *connectivity.Hub { return e.hub }

// MetricsRegistry exposes the prometheus registry for the status API.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.registry }
