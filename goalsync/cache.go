package goalsync

import (
	"bytes"
	"encoding/json"
	"time"
)

// PerformanceRetention bounds how long a cached performance response is
// served before a read treats it as gone.
const PerformanceRetention = 7 * 24 * time.Hour

// PerformanceEntry is one cached performance-metric payload for a goal.
type PerformanceEntry struct {
	FetchedAt int64           `json:"fetchedAt"`
	Response  json.RawMessage `json:"response"`
}

// WritePerformance stores the response for a goal, stamping fetch time.
func WritePerformance(st Storage, goalID string, response json.RawMessage) error {
	entry := PerformanceEntry{
		FetchedAt: time.Now().UnixMilli(),
		Response:  response,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return st.Set(performanceKey(goalID), string(b))
}

// ReadPerformance returns the cached entry for a goal. A malformed entry, or
// one older than the retention window when ignoreFreshness is false, is
// deleted and reported as ErrCacheMiss. The stale-but-present path
// (ignoreFreshness=true) exists so the overlay can fall back to old numbers
// when a refresh fails.
func ReadPerformance(st Storage, goalID string, ignoreFreshness bool) (*PerformanceEntry, error) {
	key := performanceKey(goalID)
	raw, ok, err := st.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCacheMiss
	}

	entry, valid := parsePerformanceEntry([]byte(raw))
	if !valid {
		_ = st.Delete(key)
		return nil, ErrCacheMiss
	}
	if !ignoreFreshness {
		age := time.Now().UnixMilli() - entry.FetchedAt
		if age > PerformanceRetention.Milliseconds() {
			_ = st.Delete(key)
			return nil, ErrCacheMiss
		}
	}
	return entry, nil
}

// ClearPerformance deletes the cached entries for the given goals
// unconditionally.
func ClearPerformance(st Storage, goalIDs ...string) error {
	keys := make([]string, len(goalIDs))
	for i, id := range goalIDs {
		keys[i] = performanceKey(id)
	}
	return st.Delete(keys...)
}

// LatestPerformanceTimestamp returns the maximum fetch time across valid
// stored entries for the given goals, or ErrCacheMiss when none exist. Stale
// entries still count: an old timestamp is exactly what tells the caller a
// bulk refresh is due.
func LatestPerformanceTimestamp(st Storage, goalIDs []string) (int64, error) {
	var latest int64
	found := false
	for _, id := range goalIDs {
		entry, err := ReadPerformance(st, id, true)
		if err != nil {
			continue
		}
		if !found || entry.FetchedAt > latest {
			latest = entry.FetchedAt
			found = true
		}
	}
	if !found {
		return 0, ErrCacheMiss
	}
	return latest, nil
}

// parsePerformanceEntry validates shape: JSON with a numeric fetchedAt and an
// object-valued response.
func parsePerformanceEntry(raw []byte) (*PerformanceEntry, bool) {
	var probe struct {
		FetchedAt *float64        `json:"fetchedAt"`
		Response  json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	if probe.FetchedAt == nil {
		return nil, false
	}
	resp := bytes.TrimSpace(probe.Response)
	if len(resp) == 0 || resp[0] != '{' {
		return nil, false
	}
	return &PerformanceEntry{
		FetchedAt: int64(*probe.FetchedAt),
		Response:  probe.Response,
	}, true
}
