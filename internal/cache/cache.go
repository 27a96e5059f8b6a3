// Package cache is the versioned local read cache. Every payload is wrapped
// in an envelope carrying the cache schema version and a write timestamp;
// entries older than the TTL or written by a different format are treated
// as misses and deleted on the spot. A periodic prune pass does the same
// eagerly so abandoned keys do not linger for seven days.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lumoshq/fieldsync/internal/clock"
	"github.com/lumoshq/fieldsync/internal/kvstore"
)

const (
	// SchemaVersion is the running cache format. Bump it to invalidate
	// every existing entry on upgrade.
	SchemaVersion = "2"

	// DefaultTTL is the age past which an entry is stale.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultMaxRecords bounds each record-list entry.
	DefaultMaxRecords = 500

	keyPrefix  = "fieldsync/cache/"
	metaSuffix = "#latest"
)

type envelope struct {
	SchemaVersion string          `json:"schemaVersion"`
	WrittenAt     time.Time       `json:"writtenAt"`
	Payload       json.RawMessage `json:"payload"`
}

// Observer receives cache hit/miss notifications. Usage accounting plugs in
// here; the cache itself never blocks on it.
type Observer interface {
	CacheHit(namespace string, savedCount int)
	CacheMiss(namespace string)
}

// Store is the versioned cache over durable local storage.
type Store struct {
	kv         kvstore.Store
	clock      clock.Clock
	ttl        time.Duration
	maxRecords int
	logger     *slog.Logger
	observer   Observer
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default 7-day TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithMaxRecords overrides the record-list bound.
func WithMaxRecords(n int) Option {
	return func(s *Store) { s.maxRecords = n }
}

// WithObserver wires hit/miss accounting.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// New creates a Store over kv.
func New(kv kvstore.Store, clk clock.Clock, logger *slog.Logger, opts ...Option) *Store {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:         kv,
		clock:      clk,
		ttl:        DefaultTTL,
		maxRecords: DefaultMaxRecords,
		logger:     logger.With("component", "cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(namespace, id string) string {
	return keyPrefix + namespace + "/" + id
}

// Put wraps payload in a fresh envelope and writes it under namespace/id.
func (s *Store) Put(namespace, id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal payload: %w", err)
	}
	env := envelope{
		SchemaVersion: SchemaVersion,
		WrittenAt:     s.clock.Now().UTC(),
		Payload:       raw,
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: marshal envelope: %w", err)
	}
	return s.kv.SetBytes(s.key(namespace, id), blob)
}

// GetRaw returns the cached payload, or ok=false on absence, staleness,
// version mismatch, or a corrupt envelope. Bad entries are deleted as a
// side effect so the next read does not pay for them again.
func (s *Store) GetRaw(namespace, id string) (json.RawMessage, bool) {
	key := s.key(namespace, id)
	blob, ok, err := s.kv.GetBytes(key)
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "error", err)
		s.miss(namespace)
		return nil, false
	}
	if !ok {
		s.miss(namespace)
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		s.logger.Warn("evicting corrupt cache entry", "key", key, "error", err)
		s.evict(key)
		s.miss(namespace)
		return nil, false
	}
	if env.SchemaVersion != SchemaVersion || s.expired(env.WrittenAt) {
		s.evict(key)
		s.miss(namespace)
		return nil, false
	}

	s.hit(namespace, 1)
	return env.Payload, true
}

// Get decodes the cached payload into T. Decode failure counts as a corrupt
// entry: evict and miss.
func Get[T any](s *Store, namespace, id string) (T, bool) {
	var out T
	raw, ok := s.GetRaw(namespace, id)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		s.logger.Warn("evicting undecodable cache entry",
			"namespace", namespace, "id", id, "error", err)
		s.evict(s.key(namespace, id))
		return out, false
	}
	return out, true
}

// evict removes an entry and its record-list watermark, if any. A watermark
// that outlives its list would make incremental fetches skip history the
// cache no longer holds.
func (s *Store) evict(key string) {
	_ = s.kv.RemoveKey(key)
	_ = s.kv.RemoveKey(key + metaSuffix)
}

// Invalidate removes one entry (and its record-list meta, if any).
func (s *Store) Invalidate(namespace, id string) error {
	if err := s.kv.RemoveKey(s.key(namespace, id)); err != nil {
		return err
	}
	return s.kv.RemoveKey(s.key(namespace, id) + metaSuffix)
}

// InvalidateNamespace removes every entry under namespace.
func (s *Store) InvalidateNamespace(namespace string) error {
	keys, err := s.kv.AllKeys()
	if err != nil {
		return fmt.Errorf("cache: enumerate keys: %w", err)
	}
	prefix := keyPrefix + namespace + "/"
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			if err := s.kv.RemoveKey(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApproximateSizeBytes sums the stored byte length of every cache entry.
func (s *Store) ApproximateSizeBytes() (int64, error) {
	stats, err := s.Stats()
	if err != nil {
		return 0, err
	}
	return stats.TotalBytes, nil
}

// Statistics summarizes the cache for diagnostics and UI display.
type Statistics struct {
	EntryCount     int           `json:"entryCount"`
	TotalBytes     int64         `json:"totalBytes"`
	OldestEntryAge time.Duration `json:"oldestEntryAge"`
}

// Stats walks the cache's key space. Record-list meta keys count toward
// bytes but not toward EntryCount; they are bookkeeping, not entries.
func (s *Store) Stats() (Statistics, error) {
	keys, err := s.kv.AllKeys()
	if err != nil {
		return Statistics{}, fmt.Errorf("cache: enumerate keys: %w", err)
	}

	var st Statistics
	now := s.clock.Now()
	for _, k := range keys {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		blob, ok, err := s.kv.GetBytes(k)
		if err != nil || !ok {
			continue
		}
		st.TotalBytes += int64(len(blob))
		if strings.HasSuffix(k, metaSuffix) {
			continue
		}
		st.EntryCount++

		var env envelope
		if json.Unmarshal(blob, &env) == nil {
			if age := now.Sub(env.WrittenAt); age > st.OldestEntryAge {
				st.OldestEntryAge = age
			}
		}
	}
	return st, nil
}

// Prune eagerly removes every stale, version-mismatched, or corrupt entry.
// Returns the number of entries removed.
func (s *Store) Prune() (int, error) {
	keys, err := s.kv.AllKeys()
	if err != nil {
		return 0, fmt.Errorf("cache: enumerate keys: %w", err)
	}

	removed := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, keyPrefix) || strings.HasSuffix(k, metaSuffix) {
			continue
		}
		blob, ok, err := s.kv.GetBytes(k)
		if err != nil || !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal(blob, &env); err == nil &&
			env.SchemaVersion == SchemaVersion && !s.expired(env.WrittenAt) {
			continue
		}
		if err := s.kv.RemoveKey(k); err != nil {
			return removed, err
		}
		_ = s.kv.RemoveKey(k + metaSuffix)
		removed++
	}
	if removed > 0 {
		s.logger.Info("cache pruned", "removed", removed)
	}
	return removed, nil
}

func (s *Store) expired(writtenAt time.Time) bool {
	return s.clock.Now().Sub(writtenAt) > s.ttl
}

func (s *Store) hit(namespace string, saved int) {
	if s.observer != nil {
		s.observer.CacheHit(namespace, saved)
	}
}

func (s *Store) miss(namespace string) {
	if s.observer != nil {
		s.observer.CacheMiss(namespace)
	}
}
