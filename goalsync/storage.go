package goalsync

import (
	"sort"
	"strings"
	"sync"
)

// Storage is the key-value port the engine persists through. Implementations
// must make each Set atomic per key; SetMany groups related keys (such as a
// refreshed token pair) into one write so readers never observe a mixed
// old/new pair.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	SetMany(kv map[string]string) error
	Delete(keys ...string) error
	Keys() ([]string, error)
}

// Logical key names. The external interception collaborator writes the api_*
// keys; everything else is owned by this engine.
const (
	KeyGoalTargetPrefix    = "goal_target_pct_"
	KeyGoalFixedPrefix     = "goal_fixed_"
	KeyFSMTargetPrefix     = "fsm_target_pct_"
	KeyFSMFixedPrefix      = "fsm_fixed_"
	KeyFSMTagPrefix        = "fsm_tag_"
	KeyFSMTagCatalog       = "fsm_tag_catalog"
	KeyFSMPortfolios       = "fsm_portfolios"
	KeyFSMAssignmentByCode = "fsm_assignment_by_code"
	KeyFSMDriftPrefix      = "fsm_drift_"
	KeyPerformancePrefix   = "gpv_performance_"

	KeyAPIPerformance = "api_performance"
	KeyAPIInvestible  = "api_investible"
	KeyAPISummary     = "api_summary"
	KeyAPIFSMHoldings = "api_fsm_holdings"

	KeySyncEnabled            = "sync_enabled"
	KeySyncAutoSync           = "sync_auto_sync"
	KeySyncServerURL          = "sync_server_url"
	KeySyncUserID             = "sync_user_id"
	KeySyncAccessToken        = "sync_access_token"
	KeySyncAccessTokenExpiry  = "sync_access_token_expiry"
	KeySyncRefreshToken       = "sync_refresh_token"
	KeySyncRefreshTokenExpiry = "sync_refresh_token_expiry"
	KeySyncRememberKey        = "sync_remember_key"
	KeySyncMasterKey          = "sync_master_key"
	KeySyncDeviceID           = "sync_device_id"
	KeySyncLastSync           = "sync_last_sync"
	KeySyncLastHash           = "sync_last_hash"
)

func goalTargetKey(goalID string) string { return KeyGoalTargetPrefix + goalID }
func goalFixedKey(goalID string) string  { return KeyGoalFixedPrefix + goalID }
func fsmTargetKey(code string) string    { return KeyFSMTargetPrefix + code }
func fsmFixedKey(code string) string     { return KeyFSMFixedPrefix + code }
func fsmTagKey(code string) string       { return KeyFSMTagPrefix + code }
func fsmDriftKey(name string) string     { return KeyFSMDriftPrefix + name }
func performanceKey(goalID string) string {
	return KeyPerformancePrefix + goalID
}

// MemoryStorage is a process-local Storage. It is the default backend and the
// test double; SQLiteStorage provides durability.
type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemoryStorage) SetMany(kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.m[k] = v
	}
	return nil
}

func (s *MemoryStorage) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}

func (s *MemoryStorage) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// keysWithPrefix filters the store's key list down to one family and strips
// the prefix, returning the bare goal ids / codes / setting names.
func keysWithPrefix(st Storage, prefix string) ([]string, error) {
	all, err := st.Keys()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out, nil
}
