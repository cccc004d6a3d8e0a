// ABOUTME: Typed errors for the sync and cache engine.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package goalsync

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrCryptoUnsupported = errors.New("crypto unsupported")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrCacheMiss         = errors.New("cache entry not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrLockedSync        = errors.New("sync locked")
	ErrNoRemoteData      = errors.New("no remote data")
	ErrNetworkFailure    = errors.New("network failure")
	ErrSyncInFlight      = errors.New("sync already in flight")
	ErrNotFound          = errors.New("not found")
	ErrSyncDisabled      = errors.New("sync not enabled")
)

// SyncError wraps errors with operation context.
type SyncError struct {
	Op     string // "fetch", "push", "refresh", "login", "register"
	Err    error  // underlying typed error
	Detail string // server message if any
}

func (e *SyncError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// ConflictError is returned by a bidirectional sync when local and remote
// content genuinely diverge. It is a result requiring manual resolution more
// than a failure: it carries both snapshots so the caller can build a diff
// and prompt the user for a side.
type ConflictError struct {
	Local           *V2Document
	Remote          *V2Document
	LocalHash       string
	RemoteHash      string
	RemoteTimestamp int64
	RemoteDeviceID  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict: local %s vs remote %s (remote device %s)",
		shortHash(e.LocalHash), shortHash(e.RemoteHash), e.RemoteDeviceID)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
