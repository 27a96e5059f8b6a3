// Package usage counts remote reads and cache hits/misses to estimate what
// the backend is costing. It is a passive observer: recording never blocks
// or fails the read/write path, and a storage error only logs.
//
// Two counters run side by side: an in-memory session counter reset on
// demand, and a persisted daily counter keyed by calendar day, capped at
// the most recent 1000 events so storage stays bounded.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lumoshq/fieldsync/internal/clock"
	"github.com/lumoshq/fieldsync/internal/kvstore"
)

const (
	// DefaultWarnThreshold is the daily read count past which the report
	// flags a cost alert.
	DefaultWarnThreshold = 50000

	// MaxDailyEvents caps the persisted event log per day.
	MaxDailyEvents = 1000

	dayKeyPrefix = "fieldsync/usage/"
)

type eventKind string

const (
	kindRead eventKind = "read"
	kindHit  eventKind = "hit"
	kindMiss eventKind = "miss"
)

type event struct {
	At         time.Time `json:"at"`
	Kind       eventKind `json:"kind"`
	Op         string    `json:"op,omitempty"`
	Collection string    `json:"collection"`
	Component  string    `json:"component"`
	Count      int       `json:"count"`
}

// Counters is one aggregate view.
type Counters struct {
	Reads       int `json:"reads"`
	CacheHits   int `json:"cacheHits"`
	CacheMisses int `json:"cacheMisses"`
	SavedReads  int `json:"savedReads"`
}

// Report is the aggregate statistics surface.
type Report struct {
	Session              Counters            `json:"session"`
	Today                Counters            `json:"today"`
	HitRate              float64             `json:"hitRate"`
	ByCollection         map[string]Counters `json:"byCollection"`
	ByComponent          map[string]Counters `json:"byComponent"`
	ExceedsWarnThreshold bool                `json:"exceedsWarnThreshold"`
}

// Recorder implements usage accounting over durable storage.
type Recorder struct {
	kv            kvstore.Store
	clock         clock.Clock
	logger        *slog.Logger
	warnThreshold int
	metrics       *Metrics

	mu      sync.Mutex
	session Counters
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWarnThreshold overrides the daily read warning threshold.
func WithWarnThreshold(n int) Option {
	return func(r *Recorder) { r.warnThreshold = n }
}

// WithMetrics exports counts to the given prometheus metrics set.
func WithMetrics(m *Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New creates a Recorder over kv.
func New(kv kvstore.Store, clk clock.Clock, logger *slog.Logger, opts ...Option) *Recorder {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		kv:            kv,
		clock:         clk,
		logger:        logger.With("component", "usage"),
		warnThreshold: DefaultWarnThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordRead counts count remote document reads.
func (r *Recorder) RecordRead(op, collection, component string, count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.session.Reads += count
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.reads.WithLabelValues(op, collection, component).Add(float64(count))
	}
	r.append(event{Kind: kindRead, Op: op, Collection: collection, Component: component, Count: count})
}

// RecordCacheHit counts one cache hit that saved savedCount remote reads.
func (r *Recorder) RecordCacheHit(collection, component string, savedCount int) {
	r.mu.Lock()
	r.session.CacheHits++
	r.session.SavedReads += savedCount
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.hits.WithLabelValues(collection, component).Inc()
	}
	r.append(event{Kind: kindHit, Collection: collection, Component: component, Count: savedCount})
}

// RecordCacheMiss counts one cache miss.
func (r *Recorder) RecordCacheMiss(collection, component string) {
	r.mu.Lock()
	r.session.CacheMisses++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.misses.WithLabelValues(collection, component).Inc()
	}
	r.append(event{Kind: kindMiss, Collection: collection, Component: component, Count: 1})
}

// ResetSession zeroes the in-memory session counter.
func (r *Recorder) ResetSession() {
	r.mu.Lock()
	r.session = Counters{}
	r.mu.Unlock()
}

// Aggregate builds the full report from the session counter and today's
// persisted events. Events recorded before the start of the current
// calendar day are excluded even if they share the blob.
func (r *Recorder) Aggregate() Report {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	rep := Report{
		Session:      session,
		ByCollection: make(map[string]Counters),
		ByComponent:  make(map[string]Counters),
	}

	dayStart := r.dayStart()
	for _, ev := range r.loadDay(r.dayKey()) {
		if ev.At.Before(dayStart) {
			continue
		}
		apply := func(c *Counters) {
			switch ev.Kind {
			case kindRead:
				c.Reads += ev.Count
			case kindHit:
				c.CacheHits++
				c.SavedReads += ev.Count
			case kindMiss:
				c.CacheMisses++
			}
		}
		apply(&rep.Today)

		bc := rep.ByCollection[ev.Collection]
		apply(&bc)
		rep.ByCollection[ev.Collection] = bc

		bp := rep.ByComponent[ev.Component]
		apply(&bp)
		rep.ByComponent[ev.Component] = bp
	}

	if lookups := rep.Today.CacheHits + rep.Today.CacheMisses; lookups > 0 {
		rep.HitRate = float64(rep.Today.CacheHits) / float64(lookups)
	}
	rep.ExceedsWarnThreshold = rep.Today.Reads > r.warnThreshold
	return rep
}

// PruneOldDays removes persisted event blobs from previous calendar days.
// Scheduled daily; today's blob always survives.
func (r *Recorder) PruneOldDays() error {
	keys, err := r.kv.AllKeys()
	if err != nil {
		return fmt.Errorf("usage: enumerate keys: %w", err)
	}
	today := r.dayKey()
	for _, k := range keys {
		if strings.HasPrefix(k, dayKeyPrefix) && k != today {
			if err := r.kv.RemoveKey(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Recorder) dayKey() string {
	return dayKeyPrefix + r.clock.Now().UTC().Format("2006-01-02")
}

func (r *Recorder) dayStart() time.Time {
	now := r.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (r *Recorder) append(ev event) {
	ev.At = r.clock.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.dayKey()
	events := r.loadDay(key)
	events = append(events, ev)
	if len(events) > MaxDailyEvents {
		events = events[len(events)-MaxDailyEvents:]
	}
	blob, err := json.Marshal(events)
	if err != nil {
		r.logger.Warn("usage event marshal failed", "error", err)
		return
	}
	if err := r.kv.SetBytes(key, blob); err != nil {
		r.logger.Warn("usage event persist failed", "error", err)
	}
}

func (r *Recorder) loadDay(key string) []event {
	blob, ok, err := r.kv.GetBytes(key)
	if err != nil || !ok {
		return nil
	}
	var events []event
	if err := json.Unmarshal(blob, &events); err != nil {
		r.logger.Warn("usage blob corrupt, discarding", "key", key, "error", err)
		return nil
	}
	return events
}
