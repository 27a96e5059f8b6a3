package cache

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Record is one entry of a bounded ordered list, such as a message in a
// conversation history. Timestamp must be monotonic per list for the
// ordering and the incremental-fetch watermark to make sense.
type Record struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"ts"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type listMeta struct {
	LatestTimestamp int64 `json:"latestTs"`
}

// AppendDeduplicated merges newRecords into the cached list under
// namespace/id: records whose id is already present are dropped, the result
// is sorted by timestamp ascending and truncated to the configured maximum
// keeping the most recent. The merged list is written back and returned.
//
// An absent or stale cached list starts from empty — an offline device that
// lost its cache simply rebuilds. Writing an empty merge result is valid
// and distinct from no entry at all.
func (s *Store) AppendDeduplicated(namespace, id string, newRecords []Record) ([]Record, error) {
	existing, _ := Get[[]Record](s, namespace, id)

	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.ID] = struct{}{}
	}

	merged := existing
	for _, r := range newRecords {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	if len(merged) > s.maxRecords {
		merged = merged[len(merged)-s.maxRecords:]
	}

	if err := s.Put(namespace, id, merged); err != nil {
		return nil, err
	}

	var latest int64
	if len(merged) > 0 {
		latest = merged[len(merged)-1].Timestamp
	}
	if err := s.putMeta(namespace, id, latest); err != nil {
		return nil, err
	}
	return merged, nil
}

// LatestTimestamp returns the timestamp of the newest cached record without
// decoding the full list, for "fetch only what changed since X" queries.
// ok is false when no list (or no watermark) is cached.
func (s *Store) LatestTimestamp(namespace, id string) (int64, bool) {
	blob, ok, err := s.kv.GetBytes(s.key(namespace, id) + metaSuffix)
	if err != nil || !ok {
		return 0, false
	}
	var meta listMeta
	if err := json.Unmarshal(blob, &meta); err != nil {
		_ = s.kv.RemoveKey(s.key(namespace, id) + metaSuffix)
		return 0, false
	}
	return meta.LatestTimestamp, true
}

func (s *Store) putMeta(namespace, id string, latest int64) error {
	blob, err := json.Marshal(listMeta{LatestTimestamp: latest})
	if err != nil {
		return fmt.Errorf("cache: marshal list meta: %w", err)
	}
	return s.kv.SetBytes(s.key(namespace, id)+metaSuffix, blob)
}
