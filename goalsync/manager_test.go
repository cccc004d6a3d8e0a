package goalsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyncServer is an in-memory sync backend: one envelope per account,
// replaced wholesale on push, with counting so tests can assert the hash
// short-circuit really skips writes.
type fakeSyncServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	envelope *EncryptedEnvelope
	pushes   int
	nextTS   int64
}

func newFakeSyncServer(t *testing.T) *fakeSyncServer {
	t.Helper()
	f := &fakeSyncServer{nextTS: 1000}

	farFuture := time.Now().Add(6 * time.Hour).UnixMilli()
	tokens := func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"tokens": TokenPair{
				AccessToken:      "access-token",
				RefreshToken:     "refresh-token",
				AccessExpiresAt:  farFuture,
				RefreshExpiresAt: farFuture,
			},
		})
	}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/register" || r.URL.Path == "/login" || r.URL.Path == "/auth/refresh":
			tokens(w)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/sync/"):
			f.mu.Lock()
			env := f.envelope
			f.mu.Unlock()
			if env == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": env})
		case r.Method == http.MethodPost && r.URL.Path == "/sync":
			var env EncryptedEnvelope
			if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.pushes++
			f.nextTS++
			env.Timestamp = f.nextTS
			f.envelope = &env
			ts := f.nextTS
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "timestamp": ts})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSyncServer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func newTestManager(t *testing.T, f *fakeSyncServer) (*Manager, *MemoryStorage) {
	t.Helper()
	st := NewMemoryStorage()
	m := NewManager(ManagerConfig{
		Storage: st,
		Client:  NewClient(ClientConfig{BaseURL: f.srv.URL}),
		Logger:  zerolog.Nop(),
	})
	return m, st
}

func TestManagerSyncDisabled(t *testing.T) {
	m, _ := newTestManager(t, newFakeSyncServer(t))
	_, err := m.PerformSync(context.Background(), DirectionBoth)
	assert.ErrorIs(t, err, ErrSyncDisabled)
	assert.Equal(t, StateDisabled, m.State())
}

func TestManagerSyncLocked(t *testing.T) {
	m, st := newTestManager(t, newFakeSyncServer(t))
	require.NoError(t, st.Set(KeySyncEnabled, "true"))

	assert.Equal(t, StateLocked, m.State())
	_, err := m.PerformSync(context.Background(), DirectionBoth)
	assert.ErrorIs(t, err, ErrLockedSync)
}

func TestManagerRegisterAndFirstUpload(t *testing.T) {
	f := newFakeSyncServer(t)
	m, st := newTestManager(t, f)

	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))
	assert.Equal(t, StateUnlocked, m.State())

	_, err := SetGoalTarget(st, "goal-1", 55)
	require.NoError(t, err)

	res, err := m.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, res.Outcome)
	assert.Equal(t, 1, f.pushCount())
	assert.Equal(t, res.Timestamp, m.LastSync())

	hash, ok, err := st.Get(KeySyncLastHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, hash)
}

func TestManagerUpToDateShortCircuit(t *testing.T) {
	f := newFakeSyncServer(t)
	m, st := newTestManager(t, f)
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))

	_, err := SetGoalTarget(st, "goal-1", 55)
	require.NoError(t, err)
	first, err := m.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)
	require.Equal(t, OutcomeUploaded, first.Outcome)

	// Identical content must produce no POST, no conflict, and must pick up
	// the remote timestamp as lastSync.
	second, err := m.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, second.Outcome)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	assert.Equal(t, 1, f.pushCount())
	assert.Equal(t, first.Timestamp, m.LastSync())
}

func TestManagerDivergenceConflictAndResolve(t *testing.T) {
	f := newFakeSyncServer(t)
	m, st := newTestManager(t, f)
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))

	_, err := SetGoalTarget(st, "goal-1", 40)
	require.NoError(t, err)
	_, err = m.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)

	// Local edit after the upload diverges from the remote envelope.
	_, err = SetGoalTarget(st, "goal-1", 70)
	require.NoError(t, err)

	_, err = m.PerformSync(context.Background(), DirectionBoth)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.NotEqual(t, conflict.LocalHash, conflict.RemoteHash)
	assert.Equal(t, 70.0, conflict.Local.Platforms.Endowus.GoalTargets["goal-1"])
	assert.Equal(t, 40.0, conflict.Remote.Platforms.Endowus.GoalTargets["goal-1"])

	res, err := m.ResolveConflict(context.Background(), conflict, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, res.Outcome)
	assert.Equal(t, 2, f.pushCount())

	// Keeping remote after a fresh divergence applies the remote snapshot.
	_, err = SetGoalTarget(st, "goal-1", 10)
	require.NoError(t, err)
	_, err = m.PerformSync(context.Background(), DirectionBoth)
	require.ErrorAs(t, err, &conflict)
	res, err = m.ResolveConflict(context.Background(), conflict, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, res.Outcome)
	got, err := GoalTarget(st, "goal-1")
	require.NoError(t, err)
	assert.Equal(t, 70.0, got)
}

func TestManagerDevicePairingDownload(t *testing.T) {
	f := newFakeSyncServer(t)

	deviceA, stA := newTestManager(t, f)
	require.NoError(t, deviceA.Register(context.Background(), "alice", "pw", "passphrase", false))
	_, err := SetGoalTarget(stA, "goal-1", 65)
	require.NoError(t, err)
	require.NoError(t, SetCodeTag(stA, "SG1234", "core"))
	_, err = deviceA.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)

	wrapped, err := deviceA.ExportWrappedMasterKey()
	require.NoError(t, err)

	deviceB, stB := newTestManager(t, f)
	require.NoError(t, deviceB.Login(context.Background(), "alice", "pw"))
	assert.Equal(t, StateLocked, deviceB.State())
	require.NoError(t, deviceB.ImportWrappedMasterKey(wrapped, "passphrase", false))
	assert.Equal(t, StateUnlocked, deviceB.State())

	res, err := deviceB.PerformSync(context.Background(), DirectionDownload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, res.Outcome)

	got, err := GoalTarget(stB, "goal-1")
	require.NoError(t, err)
	assert.Equal(t, 65.0, got)
	tag, err := CodeTag(stB, "SG1234")
	require.NoError(t, err)
	assert.Equal(t, "core", tag)

	// After applying, both devices converge: no further conflict or push.
	res, err = deviceB.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, res.Outcome)
}

func TestManagerWrongKeyIsDecryptionFailure(t *testing.T) {
	f := newFakeSyncServer(t)

	deviceA, stA := newTestManager(t, f)
	require.NoError(t, deviceA.Register(context.Background(), "alice", "pw", "passphrase", false))
	_, err := SetGoalTarget(stA, "goal-1", 50)
	require.NoError(t, err)
	_, err = deviceA.PerformSync(context.Background(), DirectionBoth)
	require.NoError(t, err)

	// A device with its own unrelated master key must fail loudly, never
	// treat undecryptable data as absent.
	deviceB, _ := newTestManager(t, f)
	require.NoError(t, deviceB.Register(context.Background(), "alice", "pw", "other-passphrase", false))
	_, err = deviceB.PerformSync(context.Background(), DirectionDownload)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestManagerDownloadWithoutRemote(t *testing.T) {
	f := newFakeSyncServer(t)
	m, _ := newTestManager(t, f)
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))

	_, err := m.PerformSync(context.Background(), DirectionDownload)
	assert.ErrorIs(t, err, ErrNoRemoteData)
}

func TestManagerLockAndUnlock(t *testing.T) {
	f := newFakeSyncServer(t)
	m, _ := newTestManager(t, f)
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))

	require.NoError(t, m.Lock())
	assert.Equal(t, StateLocked, m.State())
	_, err := m.PerformSync(context.Background(), DirectionBoth)
	assert.ErrorIs(t, err, ErrLockedSync)

	assert.Error(t, m.Unlock("wrong-passphrase", false))
	require.NoError(t, m.Unlock("passphrase", false))
	assert.Equal(t, StateUnlocked, m.State())
}

func TestManagerRememberedKeySurvivesRestart(t *testing.T) {
	f := newFakeSyncServer(t)
	m, st := newTestManager(t, f)
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", true))

	// A fresh manager over the same storage restores the resident key.
	restarted := NewManager(ManagerConfig{
		Storage: st,
		Client:  NewClient(ClientConfig{BaseURL: f.srv.URL}),
		Logger:  zerolog.Nop(),
	})
	assert.Equal(t, StateUnlocked, restarted.State())

	// Lock drops the remembered copy too.
	require.NoError(t, restarted.Lock())
	again := NewManager(ManagerConfig{
		Storage: st,
		Client:  NewClient(ClientConfig{BaseURL: f.srv.URL}),
		Logger:  zerolog.Nop(),
	})
	assert.Equal(t, StateLocked, again.State())
}

func TestManagerLogoutKeepsWrappedKey(t *testing.T) {
	f := newFakeSyncServer(t)
	m, st := newTestManager(t, f)
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))

	require.NoError(t, m.Logout())
	assert.Equal(t, StateLocked, m.State())
	_, ok, err := st.Get(KeySyncAccessToken)
	require.NoError(t, err)
	assert.False(t, ok)

	// The wrapped master key survives logout so login+unlock works.
	require.NoError(t, m.Login(context.Background(), "alice", "pw"))
	require.NoError(t, m.Unlock("passphrase", false))
	assert.Equal(t, StateUnlocked, m.State())
}

func TestManagerScheduleSyncOnChangeDebounces(t *testing.T) {
	f := newFakeSyncServer(t)
	st := NewMemoryStorage()

	var mu sync.Mutex
	var results []SyncResult
	done := make(chan struct{}, 8)
	m := NewManager(ManagerConfig{
		Storage:  st,
		Client:   NewClient(ClientConfig{BaseURL: f.srv.URL}),
		Logger:   zerolog.Nop(),
		Debounce: 30 * time.Millisecond,
		OnBackgroundSync: func(res SyncResult, err error) {
			mu.Lock()
			if err == nil {
				results = append(results, res)
			}
			mu.Unlock()
			done <- struct{}{}
		},
	})
	require.NoError(t, m.Register(context.Background(), "alice", "pw", "passphrase", false))

	// Rapid edits coalesce into a single sync attempt.
	_, err := SetGoalTarget(st, "goal-1", 10)
	require.NoError(t, err)
	m.ScheduleSyncOnChange("goal_target:goal-1")
	_, err = SetGoalTarget(st, "goal-1", 20)
	require.NoError(t, err)
	m.ScheduleSyncOnChange("goal_target:goal-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced sync never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeUploaded, results[0].Outcome)
	assert.Equal(t, 1, f.pushCount())
}
