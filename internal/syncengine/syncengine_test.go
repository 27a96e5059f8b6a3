package syncengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumoshq/fieldsync/internal/connectivity"
	"github.com/lumoshq/fieldsync/internal/fields"
	"github.com/lumoshq/fieldsync/internal/kvstore"
	"github.com/lumoshq/fieldsync/internal/opqueue"
)

// fakeStore records remote calls and fails the ids listed in failIDs.
type fakeStore struct {
	mu      sync.Mutex
	creates []string
	updates []string
	deletes []string
	failIDs map[string]bool
	block   chan struct{} // when non-nil, calls wait here
	calls   int32
}

func (f *fakeStore) note(ctx context.Context, id string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failIDs[id] {
		return fmt.Errorf("simulated remote failure for %s", id)
	}
	return nil
}

func (f *fakeStore) Create(ctx context.Context, collection, id string, fm fields.Map) (string, error) {
	if err := f.note(ctx, id); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.creates = append(f.creates, collection+"/"+id)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeStore) Update(ctx context.Context, collection, id string, fm fields.Map) error {
	if err := f.note(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	f.updates = append(f.updates, collection+"/"+id)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, collection, id string) error {
	if err := f.note(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	f.deletes = append(f.deletes, collection+"/"+id)
	f.mu.Unlock()
	return nil
}

func setup(t *testing.T, store *fakeStore) (*Engine, *opqueue.Queue, *connectivity.Hub) {
	t.Helper()
	q, err := opqueue.New(kvstore.NewMemory(), nil)
	if err != nil {
		t.Fatal(err)
	}
	hub := connectivity.NewHub(nil)
	t.Cleanup(hub.Close)
	return New(q, store, hub, nil, nil), q, hub
}

func TestDrainDeliversAndRemoves(t *testing.T) {
	store := &fakeStore{}
	e, q, hub := setup(t, store)
	hub.SetOnline(true)

	fm := fields.Map{}.Set("cardNumber", fields.String("123"))
	q.Enqueue(opqueue.KindCreate, "records", fm, "r1")
	q.Enqueue(opqueue.KindUpdate, "records", fm, "r2")
	q.Enqueue(opqueue.KindDelete, "records", nil, "r3")

	e.Drain(context.Background())

	if q.Len() != 0 {
		t.Errorf("queue not drained: %d left", q.Len())
	}
	if len(store.creates) != 1 || store.creates[0] != "records/r1" {
		t.Errorf("creates: %v", store.creates)
	}
	if len(store.updates) != 1 || len(store.deletes) != 1 {
		t.Errorf("updates=%v deletes=%v", store.updates, store.deletes)
	}
	if _, ok := e.LastSyncTime(); !ok {
		t.Error("last sync time not recorded")
	}
}

func TestFailedOperationsStayQueued(t *testing.T) {
	store := &fakeStore{failIDs: map[string]bool{"bad": true}}
	e, q, hub := setup(t, store)
	hub.SetOnline(true)

	q.Enqueue(opqueue.KindCreate, "records", nil, "good")
	q.Enqueue(opqueue.KindCreate, "records", nil, "bad")

	e.Drain(context.Background())

	ops := q.All()
	if len(ops) != 1 {
		t.Fatalf("queue: %d ops, want 1", len(ops))
	}
	if ops[0].ID != "bad" {
		t.Errorf("wrong survivor: %s", ops[0].ID)
	}

	// Next drain succeeds once the remote recovers.
	store.failIDs = nil
	e.Drain(context.Background())
	if q.Len() != 0 {
		t.Errorf("retry drain left %d ops", q.Len())
	}
}

func TestDrainNoopWhileOffline(t *testing.T) {
	store := &fakeStore{}
	e, q, _ := setup(t, store)

	q.Enqueue(opqueue.KindCreate, "records", nil, "r1")
	e.Drain(context.Background())

	if atomic.LoadInt32(&store.calls) != 0 {
		t.Error("dispatched while offline")
	}
	if q.Len() != 1 {
		t.Error("queue mutated while offline")
	}
}

func TestConcurrentDrainSingleFlight(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	e, q, hub := setup(t, store)
	hub.SetOnline(true)

	const n = 4
	for i := 0; i < n; i++ {
		q.Enqueue(opqueue.KindCreate, "records", nil, fmt.Sprintf("r%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Drain(context.Background())
		}()
	}

	// Let the single winning drain reach the blocked dispatches, then
	// release everything.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&store.calls) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(store.block)
	wg.Wait()

	if calls := atomic.LoadInt32(&store.calls); calls != n {
		t.Errorf("dispatch calls: got %d, want %d (duplicates mean single-flight broke)", calls, n)
	}
}

func TestTransitionTriggersDrain(t *testing.T) {
	store := &fakeStore{}
	e, q, hub := setup(t, store)

	q.Enqueue(opqueue.KindCreate, "records", nil, "r1")

	e.Start(context.Background())
	defer e.Stop()

	hub.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Len() != 0 {
		t.Fatal("transition did not drain the queue")
	}
}

func TestUnknownKindStaysQueued(t *testing.T) {
	store := &fakeStore{}
	e, q, hub := setup(t, store)
	hub.SetOnline(true)

	// As if the blob were written by a newer queue format.
	q.Enqueue(opqueue.Kind("archive"), "records", nil, "r1")

	e.Drain(context.Background())

	if len(store.deletes) != 0 {
		t.Errorf("unknown kind dispatched as delete: %v", store.deletes)
	}
	if q.Len() != 1 {
		t.Errorf("unknown kind removed from queue: %d left", q.Len())
	}
}

func TestDrainEmptyQueueNoop(t *testing.T) {
	store := &fakeStore{}
	e, _, hub := setup(t, store)
	hub.SetOnline(true)

	e.Drain(context.Background())
	if _, ok := e.LastSyncTime(); ok {
		t.Error("empty drain recorded a sync time")
	}
}
