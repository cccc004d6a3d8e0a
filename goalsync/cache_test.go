package goalsync

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformanceCacheRoundTrip(t *testing.T) {
	st := NewMemoryStorage()
	response := json.RawMessage(`{"totalReturn":12.5,"currency":"SGD"}`)

	require.NoError(t, WritePerformance(st, "goal-1", response))

	entry, err := ReadPerformance(st, "goal-1", false)
	require.NoError(t, err)
	assert.JSONEq(t, string(response), string(entry.Response))
	assert.InDelta(t, time.Now().UnixMilli(), entry.FetchedAt, 1000)
}

func TestPerformanceCacheMiss(t *testing.T) {
	st := NewMemoryStorage()
	_, err := ReadPerformance(st, "absent", false)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestPerformanceCacheExpiry(t *testing.T) {
	st := NewMemoryStorage()
	stale := time.Now().Add(-8 * 24 * time.Hour).UnixMilli()
	raw := fmt.Sprintf(`{"fetchedAt":%d,"response":{"totalReturn":1}}`, stale)
	require.NoError(t, st.Set(performanceKey("goal-1"), raw))

	// Expired entry is deleted on read.
	_, err := ReadPerformance(st, "goal-1", false)
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, ok, _ := st.Get(performanceKey("goal-1"))
	assert.False(t, ok, "expired entry should be deleted")
}

func TestPerformanceCacheIgnoreFreshness(t *testing.T) {
	st := NewMemoryStorage()
	stale := time.Now().Add(-8 * 24 * time.Hour).UnixMilli()
	raw := fmt.Sprintf(`{"fetchedAt":%d,"response":{"totalReturn":1}}`, stale)
	require.NoError(t, st.Set(performanceKey("goal-1"), raw))

	entry, err := ReadPerformance(st, "goal-1", true)
	require.NoError(t, err)
	assert.Equal(t, stale, entry.FetchedAt)

	// The stale entry survives an ignore-freshness read.
	_, ok, _ := st.Get(performanceKey("goal-1"))
	assert.True(t, ok)
}

func TestPerformanceCacheRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `{{{`,
		"missing fetchedAt":  `{"response":{"a":1}}`,
		"string fetchedAt":   `{"fetchedAt":"yesterday","response":{"a":1}}`,
		"missing response":   fmt.Sprintf(`{"fetchedAt":%d}`, time.Now().UnixMilli()),
		"array response":     fmt.Sprintf(`{"fetchedAt":%d,"response":[1,2]}`, time.Now().UnixMilli()),
		"scalar response":    fmt.Sprintf(`{"fetchedAt":%d,"response":42}`, time.Now().UnixMilli()),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			st := NewMemoryStorage()
			require.NoError(t, st.Set(performanceKey("g"), raw))
			_, err := ReadPerformance(st, "g", false)
			assert.ErrorIs(t, err, ErrCacheMiss)
			_, ok, _ := st.Get(performanceKey("g"))
			assert.False(t, ok, "malformed entry should be deleted")
		})
	}
}

func TestClearPerformance(t *testing.T) {
	st := NewMemoryStorage()
	require.NoError(t, WritePerformance(st, "a", json.RawMessage(`{"v":1}`)))
	require.NoError(t, WritePerformance(st, "b", json.RawMessage(`{"v":2}`)))

	require.NoError(t, ClearPerformance(st, "a", "b"))
	_, err := ReadPerformance(st, "a", true)
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = ReadPerformance(st, "b", true)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLatestPerformanceTimestamp(t *testing.T) {
	st := NewMemoryStorage()
	_, err := LatestPerformanceTimestamp(st, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrCacheMiss)

	old := time.Now().Add(-time.Hour).UnixMilli()
	newer := time.Now().UnixMilli()
	require.NoError(t, st.Set(performanceKey("a"), fmt.Sprintf(`{"fetchedAt":%d,"response":{}}`, old)))
	require.NoError(t, st.Set(performanceKey("b"), fmt.Sprintf(`{"fetchedAt":%d,"response":{}}`, newer)))

	latest, err := LatestPerformanceTimestamp(st, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, newer, latest)
}
