// ABOUTME: Sync orchestration: auth, lock state, directional sync with the
// ABOUTME: content-hash short-circuit, debounced change sync, and auto-sync.
package goalsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SyncDirection selects what PerformSync does when local and remote differ.
type SyncDirection string

const (
	DirectionDownload SyncDirection = "download"
	DirectionUpload   SyncDirection = "upload"
	DirectionBoth     SyncDirection = "both"
)

// SyncState is the manager's lock position.
type SyncState string

const (
	StateDisabled SyncState = "disabled"
	StateLocked   SyncState = "enabled-locked"
	StateUnlocked SyncState = "enabled-unlocked"
)

// SyncOutcome labels what a successful PerformSync did.
type SyncOutcome string

const (
	OutcomeUpToDate   SyncOutcome = "up-to-date"
	OutcomeUploaded   SyncOutcome = "uploaded"
	OutcomeDownloaded SyncOutcome = "downloaded"
)

// SyncResult reports a completed sync attempt.
type SyncResult struct {
	Outcome   SyncOutcome
	Timestamp int64 // server-side timestamp recorded as lastSync
}

// ManagerConfig wires the manager's collaborators and tunables.
type ManagerConfig struct {
	Storage  Storage
	Client   *Client
	Logger   zerolog.Logger
	Debounce time.Duration // coalescing window for ScheduleSyncOnChange
	// OnBackgroundSync receives results of debounced and auto-sync attempts,
	// which have no caller to return to. Conflicts arrive here as
	// *ConflictError. Optional; outcomes are logged either way.
	OnBackgroundSync func(SyncResult, error)
}

// Manager orchestrates the end-to-end sync flow. A Manager's PerformSync is
// single-flight: a second call while one is running fails with
// ErrSyncInFlight instead of racing duplicate network writes.
type Manager struct {
	st     Storage
	client *Client
	tokens *TokenManager
	log    zerolog.Logger

	debounceDelay time.Duration
	onBackground  func(SyncResult, error)

	mu        sync.Mutex
	masterKey []byte
	syncing   bool
	debounce  *time.Timer
	cron      *cron.Cron
}

// NewManager builds a manager and, when the device was marked remembered,
// makes the master key resident again from its stored copy.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		st:            cfg.Storage,
		client:        cfg.Client,
		tokens:        NewTokenManager(cfg.Storage, cfg.Client),
		log:           cfg.Logger,
		debounceDelay: cfg.Debounce,
		onBackground:  cfg.OnBackgroundSync,
	}
	if m.debounceDelay == 0 {
		m.debounceDelay = 2 * time.Second
	}
	m.restoreRememberedKey()
	return m
}

// Tokens exposes the token manager for callers that need auth state.
func (m *Manager) Tokens() *TokenManager { return m.tokens }

// State reports disabled / enabled-locked / enabled-unlocked.
func (m *Manager) State() SyncState {
	if v, ok, _ := m.st.Get(KeySyncEnabled); !ok || v != "true" {
		return StateDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masterKey == nil {
		return StateLocked
	}
	return StateUnlocked
}

// Register creates the account, establishes the account's random master key,
// wraps it under the passphrase, and leaves the device enabled and unlocked.
func (m *Manager) Register(ctx context.Context, userID, password, passphrase string, remember bool) error {
	pair, err := m.client.Register(ctx, userID, password)
	if err != nil {
		return err
	}

	masterKey, err := NewMasterKey()
	if err != nil {
		return err
	}
	wrapped, err := WrapMasterKey(masterKey, passphrase)
	if err != nil {
		return err
	}

	if err := m.st.SetMany(map[string]string{
		KeySyncEnabled:   "true",
		KeySyncUserID:    userID,
		KeySyncMasterKey: wrapped,
		KeySyncDeviceID:  m.deviceID(),
	}); err != nil {
		return err
	}
	if err := m.tokens.StoreTokenPair(pair); err != nil {
		return err
	}
	return m.residentKey(masterKey, remember)
}

// Login authenticates an additional device. The device stays locked until
// Unlock (when a wrapped master key is already stored) or
// ImportWrappedMasterKey (when pairing fresh).
func (m *Manager) Login(ctx context.Context, userID, password string) error {
	pair, err := m.client.Login(ctx, userID, password)
	if err != nil {
		return err
	}
	if err := m.st.SetMany(map[string]string{
		KeySyncEnabled:  "true",
		KeySyncUserID:   userID,
		KeySyncDeviceID: m.deviceID(),
	}); err != nil {
		return err
	}
	return m.tokens.StoreTokenPair(pair)
}

// Unlock makes the master key resident by unwrapping the stored copy with
// the passphrase. With remember set, a copy is kept so restarts skip the
// prompt.
func (m *Manager) Unlock(passphrase string, remember bool) error {
	wrapped, ok, err := m.st.Get(KeySyncMasterKey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockedSync
	}
	masterKey, err := UnwrapMasterKey(wrapped, passphrase)
	if err != nil {
		return err
	}
	return m.residentKey(masterKey, remember)
}

// ImportWrappedMasterKey pairs this device using a wrapped key exported from
// an already-registered device. The passphrase must unwrap it.
func (m *Manager) ImportWrappedMasterKey(wrapped, passphrase string, remember bool) error {
	masterKey, err := UnwrapMasterKey(wrapped, passphrase)
	if err != nil {
		return err
	}
	if err := m.st.Set(KeySyncMasterKey, wrapped); err != nil {
		return err
	}
	return m.residentKey(masterKey, remember)
}

// ExportWrappedMasterKey returns the stored wrapped master key for pairing
// another device. The export is still passphrase-protected.
func (m *Manager) ExportWrappedMasterKey() (string, error) {
	wrapped, ok, err := m.st.Get(KeySyncMasterKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return wrapped, nil
}

// Lock drops the resident master key and the remembered copy.
func (m *Manager) Lock() error {
	m.mu.Lock()
	m.masterKey = nil
	m.mu.Unlock()
	return m.st.Delete(KeySyncRememberKey)
}

// Logout clears tokens and locks. The wrapped master key stays so Unlock
// works after the next login.
func (m *Manager) Logout() error {
	if err := m.tokens.ClearTokens(); err != nil {
		return err
	}
	return m.Lock()
}

// Disable turns sync off, stops background timers, and locks.
func (m *Manager) Disable() error {
	m.StopAutoSync()
	m.mu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()
	if err := m.st.Set(KeySyncEnabled, "false"); err != nil {
		return err
	}
	return m.Lock()
}

// LastSync returns the recorded lastSync timestamp in epoch-ms, 0 if never.
func (m *Manager) LastSync() int64 {
	v, ok, err := m.st.Get(KeySyncLastSync)
	if err != nil || !ok {
		return 0
	}
	ms, _ := strconv.ParseInt(v, 10, 64)
	return ms
}

// PerformSync runs one sync attempt in the given direction.
//
// Identical content short-circuits before any write: when the local and
// remote content hashes match — regardless of device id or timestamp — the
// remote timestamp is recorded as lastSync and no POST happens, even on
// DirectionBoth. A device that reverts to previously-synced content is
// therefore treated as up-to-date, not as a new change.
//
// On DirectionBoth with diverged content the return error is a
// *ConflictError carrying both snapshots; the manager never guesses a
// winner. The manager performs no retries of its own; a failed attempt
// surfaces its error and scheduling is the caller's concern.
func (m *Manager) PerformSync(ctx context.Context, direction SyncDirection) (SyncResult, error) {
	if v, ok, err := m.st.Get(KeySyncEnabled); err != nil {
		return SyncResult{}, err
	} else if !ok || v != "true" {
		return SyncResult{}, ErrSyncDisabled
	}

	m.mu.Lock()
	if m.masterKey == nil {
		m.mu.Unlock()
		return SyncResult{}, ErrLockedSync
	}
	if m.syncing {
		m.mu.Unlock()
		return SyncResult{}, ErrSyncInFlight
	}
	m.syncing = true
	masterKey := m.masterKey
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	attempt := ulid.Make().String()
	log := m.log.With().Str("attempt", attempt).Str("direction", string(direction)).Logger()
	log.Debug().Msg("sync started")

	result, err := m.syncOnce(ctx, log, direction, masterKey)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			log.Warn().Str("local_hash", conflict.LocalHash).Str("remote_hash", conflict.RemoteHash).Msg("sync conflict")
		} else {
			log.Error().Err(err).Msg("sync failed")
		}
		return SyncResult{}, err
	}
	log.Info().Str("outcome", string(result.Outcome)).Int64("timestamp", result.Timestamp).Msg("sync finished")
	return result, nil
}

func (m *Manager) syncOnce(ctx context.Context, log zerolog.Logger, direction SyncDirection, masterKey []byte) (SyncResult, error) {
	accessToken, err := m.tokens.AccessToken(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	userID, _, err := m.st.Get(KeySyncUserID)
	if err != nil {
		return SyncResult{}, err
	}

	var remoteDoc *V2Document
	var remoteEnv *EncryptedEnvelope
	env, err := m.client.FetchEnvelope(ctx, userID, accessToken)
	switch {
	case errors.Is(err, ErrNoRemoteData):
		// First sync for this account; nothing to reconcile against.
	case err != nil:
		return SyncResult{}, err
	default:
		remoteEnv = env
		plain, err := DecryptWithMasterKey(env.EncryptedData, masterKey)
		if err != nil {
			// Wrong key or unpaired device. Never treat as absent data.
			return SyncResult{}, err
		}
		doc, err := ParseConfigDocument(plain)
		if err != nil {
			return SyncResult{}, err
		}
		switch d := doc.(type) {
		case *V1Document:
			remoteDoc = MigrateV1(d)
		case *V2Document:
			remoteDoc = d
		}
	}

	localDoc, err := CollectConfig(m.st)
	if err != nil {
		return SyncResult{}, err
	}
	localHash, err := ConfigContentHash(localDoc)
	if err != nil {
		return SyncResult{}, err
	}

	if remoteDoc != nil {
		remoteHash, err := ConfigContentHash(remoteDoc)
		if err != nil {
			return SyncResult{}, err
		}
		if localHash == remoteHash {
			// Content-identical across devices must never be flagged as a
			// conflict or trigger a write. This keeps idle multi-device
			// polling quiet.
			if err := m.recordSync(remoteEnv.Timestamp, localHash); err != nil {
				return SyncResult{}, err
			}
			return SyncResult{Outcome: OutcomeUpToDate, Timestamp: remoteEnv.Timestamp}, nil
		}

		switch direction {
		case DirectionDownload:
			if err := ApplyConfig(m.st, remoteDoc); err != nil {
				return SyncResult{}, err
			}
			if err := m.recordSync(remoteEnv.Timestamp, remoteHash); err != nil {
				return SyncResult{}, err
			}
			return SyncResult{Outcome: OutcomeDownloaded, Timestamp: remoteEnv.Timestamp}, nil
		case DirectionBoth:
			return SyncResult{}, &ConflictError{
				Local:           localDoc,
				Remote:          remoteDoc,
				LocalHash:       localHash,
				RemoteHash:      remoteHash,
				RemoteTimestamp: remoteEnv.Timestamp,
				RemoteDeviceID:  remoteEnv.DeviceID,
			}
		case DirectionUpload:
			// Push regardless of the remote differing.
		default:
			return SyncResult{}, errors.New("unknown sync direction: " + string(direction))
		}
	} else if direction == DirectionDownload {
		return SyncResult{}, ErrNoRemoteData
	}

	ts, err := m.pushLocal(ctx, log, localDoc, localHash, masterKey, accessToken)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Outcome: OutcomeUploaded, Timestamp: ts}, nil
}

func (m *Manager) pushLocal(ctx context.Context, log zerolog.Logger, doc *V2Document, hash string, masterKey []byte, accessToken string) (int64, error) {
	plain, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	encrypted, err := EncryptWithMasterKey(plain, masterKey)
	if err != nil {
		return 0, err
	}
	env := EncryptedEnvelope{
		EncryptedData: encrypted,
		DeviceID:      m.deviceID(),
		Timestamp:     time.Now().UnixMilli(),
		Version:       2,
	}
	ts, err := m.client.PushEnvelope(ctx, env, accessToken)
	if err != nil {
		return 0, err
	}
	log.Debug().Int("bytes", len(encrypted)).Msg("envelope pushed")
	return ts, m.recordSync(ts, hash)
}

// ResolveConflict applies the chosen side after a DirectionBoth conflict and
// records the result, pushing when the local side wins.
func (m *Manager) ResolveConflict(ctx context.Context, conflict *ConflictError, keepLocal bool) (SyncResult, error) {
	if keepLocal {
		return m.PerformSync(ctx, DirectionUpload)
	}
	return m.PerformSync(ctx, DirectionDownload)
}

// ScheduleSyncOnChange coalesces rapid local edits into one delayed
// bidirectional sync attempt. Each call replaces the pending timer, so only
// the most recent schedule fires.
func (m *Manager) ScheduleSyncOnChange(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.log.Debug().Str("reason", reason).Msg("sync scheduled")
	m.debounce = time.AfterFunc(m.debounceDelay, func() {
		m.backgroundSync("change:" + reason)
	})
}

// StartAutoSync begins periodic background syncs. Starting twice without
// stopping is a no-op rather than a duplicate timer.
func (m *Manager) StartAutoSync(interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc("@every "+interval.String(), func() {
		m.backgroundSync("interval")
	})
	if err != nil {
		return err
	}
	m.cron = c
	c.Start()
	return m.st.Set(KeySyncAutoSync, "true")
}

// StopAutoSync stops the periodic sync if running.
func (m *Manager) StopAutoSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil {
		return
	}
	m.cron.Stop()
	m.cron = nil
	_ = m.st.Set(KeySyncAutoSync, "false")
}

func (m *Manager) backgroundSync(reason string) {
	result, err := m.PerformSync(context.Background(), DirectionBoth)
	if err != nil && !errors.Is(err, ErrSyncInFlight) {
		m.log.Warn().Err(err).Str("reason", reason).Msg("background sync failed")
	}
	if m.onBackground != nil {
		m.onBackground(result, err)
	}
}

func (m *Manager) recordSync(timestamp int64, hash string) error {
	return m.st.SetMany(map[string]string{
		KeySyncLastSync: strconv.FormatInt(timestamp, 10),
		KeySyncLastHash: hash,
	})
}

func (m *Manager) residentKey(masterKey []byte, remember bool) error {
	m.mu.Lock()
	m.masterKey = masterKey
	m.mu.Unlock()
	if remember {
		return m.st.Set(KeySyncRememberKey, base64.StdEncoding.EncodeToString(masterKey))
	}
	return m.st.Delete(KeySyncRememberKey)
}

func (m *Manager) restoreRememberedKey() {
	v, ok, err := m.st.Get(KeySyncRememberKey)
	if err != nil || !ok {
		return
	}
	masterKey, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(masterKey) != masterKeySize {
		_ = m.st.Delete(KeySyncRememberKey)
		return
	}
	m.mu.Lock()
	m.masterKey = masterKey
	m.mu.Unlock()
}

// deviceID returns the stored device identity, minting one on first use.
func (m *Manager) deviceID() string {
	if v, ok, err := m.st.Get(KeySyncDeviceID); err == nil && ok && v != "" {
		return v
	}
	id := NewDeviceID()
	_ = m.st.Set(KeySyncDeviceID, id)
	return id
}
