package cache

import (
	"fmt"
	"testing"
	"time"
)

func recs(ids ...string) []Record {
	out := make([]Record, len(ids))
	for i, id := range ids {
		out[i] = Record{ID: id, Timestamp: int64(100 + i)}
	}
	return out
}

func TestAppendDeduplicated(t *testing.T) {
	s, _, _ := newStore(t)

	// Seed three records, then merge two more with one duplicate id.
	if _, err := s.AppendDeduplicated("messages", "conv-1", []Record{
		{ID: "m1", Timestamp: 100},
		{ID: "m2", Timestamp: 200},
		{ID: "m3", Timestamp: 300},
	}); err != nil {
		t.Fatal(err)
	}

	merged, err := s.AppendDeduplicated("messages", "conv-1", []Record{
		{ID: "m2", Timestamp: 200}, // duplicate
		{ID: "m4", Timestamp: 400},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 4 {
		t.Fatalf("merged length: got %d, want 4", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if merged[i-1].Timestamp > merged[i].Timestamp {
			t.Errorf("not sorted ascending at %d", i)
		}
	}
}

func TestAppendDeduplicatedIdempotent(t *testing.T) {
	s, _, _ := newStore(t)
	in := recs("a", "b", "c")

	s.AppendDeduplicated("messages", "conv-1", in)
	merged, err := s.AppendDeduplicated("messages", "conv-1", in)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 3 {
		t.Errorf("repeat merge grew the list: %d records", len(merged))
	}
}

func TestRecordBoundDropsOldest(t *testing.T) {
	s, _, _ := newStore(t, WithMaxRecords(5))

	var batch []Record
	for i := 0; i < 8; i++ {
		batch = append(batch, Record{ID: fmt.Sprintf("m%d", i), Timestamp: int64(i)})
	}
	merged, err := s.AppendDeduplicated("messages", "conv-1", batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 5 {
		t.Fatalf("bound not enforced: %d records", len(merged))
	}
	if merged[0].ID != "m3" {
		t.Errorf("oldest not dropped first: head is %s", merged[0].ID)
	}
	if merged[4].ID != "m7" {
		t.Errorf("newest dropped: tail is %s", merged[4].ID)
	}
}

func TestLatestTimestamp(t *testing.T) {
	s, _, _ := newStore(t)

	if _, ok := s.LatestTimestamp("messages", "conv-1"); ok {
		t.Error("watermark present before any write")
	}

	s.AppendDeduplicated("messages", "conv-1", []Record{
		{ID: "m1", Timestamp: 111},
		{ID: "m2", Timestamp: 555},
	})

	ts, ok := s.LatestTimestamp("messages", "conv-1")
	if !ok {
		t.Fatal("no watermark after merge")
	}
	if ts != 555 {
		t.Errorf("watermark: got %d, want 555", ts)
	}
}

func TestLazyEvictionRemovesWatermark(t *testing.T) {
	s, clk, _ := newStore(t)
	s.AppendDeduplicated("messages", "conv-1", []Record{
		{ID: "m1", Timestamp: 100},
		{ID: "m2", Timestamp: 200},
	})

	clk.Advance(DefaultTTL + time.Minute)

	// The read evicts the stale list; the watermark must go with it, or an
	// incremental fetch would skip everything before ts 200 against an
	// empty cache.
	if _, ok := Get[[]Record](s, "messages", "conv-1"); ok {
		t.Fatal("hit on expired list")
	}
	if ts, ok := s.LatestTimestamp("messages", "conv-1"); ok {
		t.Fatalf("watermark survived lazy eviction: ts=%d for an absent list", ts)
	}
}

func TestInvalidateRemovesWatermark(t *testing.T) {
	s, _, _ := newStore(t)
	s.AppendDeduplicated("messages", "conv-1", recs("a"))

	if err := s.Invalidate("messages", "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.LatestTimestamp("messages", "conv-1"); ok {
		t.Error("watermark survived invalidation")
	}
}
