package opqueue

import (
	"fmt"
	"testing"

	"github.com/lumoshq/fieldsync/internal/fields"
	"github.com/lumoshq/fieldsync/internal/kvstore"
)

func newQueue(t *testing.T, kv kvstore.Store) *Queue {
	t.Helper()
	q, err := New(kv, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestEnqueueAssignsIDs(t *testing.T) {
	q := newQueue(t, kvstore.NewMemory())

	fm := fields.Map{}.Set("status", fields.String("Uploaded"))
	opID, err := q.Enqueue(KindCreate, "records", fm, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if opID == "" {
		t.Fatal("empty operation id")
	}

	ops := q.All()
	if len(ops) != 1 {
		t.Fatalf("len: got %d, want 1", len(ops))
	}
	if ops[0].ID == "" {
		t.Error("record id not generated")
	}
	if ops[0].Kind != KindCreate || ops[0].CollectionPath != "records" {
		t.Errorf("op mismatch: %+v", ops[0])
	}
}

func TestEnqueueRequiresCollection(t *testing.T) {
	q := newQueue(t, kvstore.NewMemory())
	if _, err := q.Enqueue(KindDelete, "", nil, "r1"); err == nil {
		t.Fatal("expected error for empty collection path")
	}
}

func TestDurabilityAcrossRestart(t *testing.T) {
	kv := kvstore.NewMemory()
	q := newQueue(t, kv)

	const n = 5
	for i := 0; i < n; i++ {
		fm := fields.Map{}.Set("seq", fields.Int(int64(i)))
		if _, err := q.Enqueue(KindUpdate, "roster", fm, fmt.Sprintf("rec-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Simulated restart: a fresh Queue over the same storage.
	q2 := newQueue(t, kv)
	ops := q2.All()
	if len(ops) != n {
		t.Fatalf("after restart: got %d ops, want %d", len(ops), n)
	}
	for i, op := range ops {
		seq, _ := op.Fields[0].Value.AsInt()
		if seq != int64(i) {
			t.Errorf("op %d out of order: seq %d", i, seq)
		}
		if op.ID != fmt.Sprintf("rec-%d", i) {
			t.Errorf("op %d: id %q", i, op.ID)
		}
	}
}

func TestRemoveConfirmedOnly(t *testing.T) {
	kv := kvstore.NewMemory()
	q := newQueue(t, kv)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(KindCreate, "timeoff", nil, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Remove the first and last, as if only those remote writes succeeded.
	if err := q.Remove(map[string]struct{}{ids[0]: {}, ids[2]: {}}); err != nil {
		t.Fatal(err)
	}

	ops := q.All()
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(ops))
	}
	if ops[0].OpID != ids[1] {
		t.Errorf("wrong survivor: %s", ops[0].OpID)
	}

	// Removal is persisted too.
	q2 := newQueue(t, kv)
	if q2.Len() != 1 {
		t.Errorf("after restart: %d ops, want 1", q2.Len())
	}
}

func TestRemoveEmptySetIsNoop(t *testing.T) {
	q := newQueue(t, kvstore.NewMemory())
	if _, err := q.Enqueue(KindDelete, "records", nil, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(nil); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 1 {
		t.Errorf("len: got %d, want 1", q.Len())
	}
}

// failingStore rejects writes after a set number of successes.
type failingStore struct {
	kvstore.Store
	writesLeft int
}

func (f *failingStore) SetBytes(key string, blob []byte) error {
	if f.writesLeft <= 0 {
		return fmt.Errorf("disk full")
	}
	f.writesLeft--
	return f.Store.SetBytes(key, blob)
}

func TestEnqueueRollsBackOnPersistFailure(t *testing.T) {
	fs := &failingStore{Store: kvstore.NewMemory(), writesLeft: 1}
	q := newQueue(t, fs)

	if _, err := q.Enqueue(KindCreate, "records", nil, ""); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(KindCreate, "records", nil, ""); err == nil {
		t.Fatal("expected persist failure")
	}
	if q.Len() != 1 {
		t.Errorf("failed enqueue left entry in memory: len %d", q.Len())
	}
}
