// Package opqueue is the durable queue of remote writes captured while the
// device is offline. The queue is append-only: entries leave only when the
// sync engine confirms the corresponding remote write succeeded.
//
// The whole queue is persisted as one JSON blob under a fixed key and the
// blob is rewritten synchronously after every mutation, so an entry cannot
// be lost to process death once Enqueue has returned. Queues stay small
// (tens of entries), which makes whole-blob rewrites the simple safe choice.
package opqueue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumoshq/fieldsync/internal/clock"
	"github.com/lumoshq/fieldsync/internal/fields"
	"github.com/lumoshq/fieldsync/internal/kvstore"
)

// StorageKey is the fixed key the serialized queue lives under.
const StorageKey = "fieldsync/opqueue/v1"

// Kind is the mutation type of a pending operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// PendingOperation is one queued remote write. Operations are immutable
// once enqueued.
//
// Two queued operations may target the same record id; the queue does not
// coalesce or order them relative to each other beyond FIFO snapshotting,
// and the sync engine dispatches concurrently. Callers that need
// update-then-delete semantics on one id must not rely on queued ordering.
type PendingOperation struct {
	OpID           string     `json:"opId"`
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	CollectionPath string     `json:"collectionPath"`
	Fields         fields.Map `json:"fields,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
}

// Queue is the durable FIFO of pending operations.
type Queue struct {
	kv    kvstore.Store
	clock clock.Clock
	mu    sync.Mutex
	ops   []PendingOperation
}

// New opens the queue, loading any entries a previous process left behind.
func New(kv kvstore.Store, clk clock.Clock) (*Queue, error) {
	if clk == nil {
		clk = clock.System()
	}
	q := &Queue{kv: kv, clock: clk}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("load operation queue: %w", err)
	}
	return q, nil
}

// Enqueue appends an operation and persists the queue before returning.
// Connectivity state is irrelevant here; the queue accepts unconditionally.
// If id is empty a fresh record id is generated so the caller can refer to
// the record it just wrote.
func (q *Queue) Enqueue(kind Kind, collectionPath string, fm fields.Map, id string) (string, error) {
	if collectionPath == "" {
		return "", fmt.Errorf("enqueue: collection path required")
	}
	if id == "" {
		id = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	op := PendingOperation{
		OpID:           uuid.New().String(),
		ID:             id,
		Kind:           kind,
		CollectionPath: collectionPath,
		Fields:         fm,
		EnqueuedAt:     q.clock.Now().UTC(),
	}
	q.ops = append(q.ops, op)
	if err := q.persistLocked(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return "", fmt.Errorf("persist queue: %w", err)
	}
	return op.OpID, nil
}

// All returns a snapshot of the queue in FIFO order.
func (q *Queue) All() []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOperation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Remove deletes the entries whose operation ids appear in opIDs. Only the
// sync engine calls this, after the remote store confirmed each write.
func (q *Queue) Remove(opIDs map[string]struct{}) error {
	if len(opIDs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]PendingOperation, 0, len(q.ops))
	for _, op := range q.ops {
		if _, gone := opIDs[op.OpID]; !gone {
			kept = append(kept, op)
		}
	}
	prev := q.ops
	q.ops = kept
	if err := q.persistLocked(); err != nil {
		q.ops = prev
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

type queueState struct {
	Ops []PendingOperation `json:"ops"`
}

func (q *Queue) persistLocked() error {
	blob, err := json.Marshal(queueState{Ops: q.ops})
	if err != nil {
		return err
	}
	return q.kv.SetBytes(StorageKey, blob)
}

func (q *Queue) load() error {
	blob, ok, err := q.kv.GetBytes(StorageKey)
	if err != nil {
		return err
	}
	if !ok {
		q.ops = nil
		return nil
	}
	var state queueState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("decode queue blob: %w", err)
	}
	q.ops = state.Ops
	return nil
}
