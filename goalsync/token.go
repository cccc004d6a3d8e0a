// ABOUTME: Access/refresh token lifecycle: unverified claim decode, expiry
// ABOUTME: tracking, and single-flight proactive refresh.
package goalsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer treats a token expiring within this window as already
// invalid, forcing a proactive refresh before the server would reject it.
const tokenExpiryBuffer = 5 * time.Minute

// TokenState describes one token kind's lifecycle position.
type TokenState string

const (
	TokenAbsent       TokenState = "absent"
	TokenValid        TokenState = "valid"
	TokenExpiringSoon TokenState = "expiring-soon"
	TokenExpired      TokenState = "expired"
)

// TokenPair is the full credential set returned by login/refresh. It is
// persisted as four keys written in one batch so no reader observes a mixed
// old/new pair.
type TokenPair struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	AccessExpiresAt  int64  `json:"accessExpiresAt"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
}

// tokenRefresher is the slice of Client the manager needs.
type tokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (TokenPair, error)
}

// TokenManager owns the persisted token state. Tokens are mutated only by
// login (StoreTokenPair), refresh, and ClearTokens.
type TokenManager struct {
	st        Storage
	refresher tokenRefresher

	mu     sync.Mutex
	flight *refreshFlight
}

type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

// NewTokenManager builds a manager over the storage port and refresh client.
func NewTokenManager(st Storage, refresher tokenRefresher) *TokenManager {
	return &TokenManager{st: st, refresher: refresher}
}

// ParseJWTPayload decodes the middle segment of a three-part token as
// base64url JSON. The claims are informational only; the signature is the
// server's trust boundary, not ours. Malformed tokens (wrong segment count,
// invalid base64, invalid JSON) report not-found rather than an error.
func ParseJWTPayload(token string) (map[string]any, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, false
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, false
	}
	return claims, true
}

// StoredTokenExpiry returns the token's expiry in epoch-ms, preferring an
// explicitly persisted value and falling back to the token's own exp claim.
func (m *TokenManager) StoredTokenExpiry(expiryKey, token string) (int64, bool) {
	if v, ok, err := m.st.Get(expiryKey); err == nil && ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ms, true
		}
	}
	claims, ok := ParseJWTPayload(token)
	if !ok {
		return 0, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return 0, false
	}
	return int64(exp) * 1000, true
}

// TokenValid is false when the expiry is unknown, already passed, or within
// the look-ahead buffer.
func (m *TokenManager) TokenValid(token, expiryKey string) bool {
	if token == "" {
		return false
	}
	expiry, ok := m.StoredTokenExpiry(expiryKey, token)
	if !ok {
		return false
	}
	return time.Now().Add(tokenExpiryBuffer).UnixMilli() < expiry
}

// State reports the lifecycle position of the token stored under the given
// token/expiry keys.
func (m *TokenManager) State(tokenKey, expiryKey string) TokenState {
	token, ok, err := m.st.Get(tokenKey)
	if err != nil || !ok || token == "" {
		return TokenAbsent
	}
	expiry, found := m.StoredTokenExpiry(expiryKey, token)
	if !found {
		return TokenExpired
	}
	now := time.Now().UnixMilli()
	switch {
	case now >= expiry:
		return TokenExpired
	case now+tokenExpiryBuffer.Milliseconds() >= expiry:
		return TokenExpiringSoon
	default:
		return TokenValid
	}
}

// StoreTokenPair persists all four token fields in one batch write.
func (m *TokenManager) StoreTokenPair(pair TokenPair) error {
	return m.st.SetMany(map[string]string{
		KeySyncAccessToken:        pair.AccessToken,
		KeySyncAccessTokenExpiry:  strconv.FormatInt(pair.AccessExpiresAt, 10),
		KeySyncRefreshToken:       pair.RefreshToken,
		KeySyncRefreshTokenExpiry: strconv.FormatInt(pair.RefreshExpiresAt, 10),
	})
}

// ClearTokens removes all four token fields.
func (m *TokenManager) ClearTokens() error {
	return m.st.Delete(
		KeySyncAccessToken,
		KeySyncAccessTokenExpiry,
		KeySyncRefreshToken,
		KeySyncRefreshTokenExpiry,
	)
}

// RefreshAccessToken exchanges the stored refresh token for a new pair.
// Concurrent callers share one in-flight attempt rather than racing duplicate
// refreshes. When the server rejects the refresh every token field is cleared
// so the system never holds a half-refreshed pair, and the caller gets
// ErrSessionExpired with the server's message when one was provided. A
// transport failure leaves the stored pair untouched and propagates as
// ErrNetworkFailure so callers can retry.
func (m *TokenManager) RefreshAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if f := m.flight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.token, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f := &refreshFlight{done: make(chan struct{})}
	m.flight = f
	m.mu.Unlock()

	f.token, f.err = m.refreshOnce(ctx)

	m.mu.Lock()
	m.flight = nil
	m.mu.Unlock()
	close(f.done)
	return f.token, f.err
}

func (m *TokenManager) refreshOnce(ctx context.Context) (string, error) {
	refreshToken, ok, err := m.st.Get(KeySyncRefreshToken)
	if err != nil {
		return "", err
	}
	if !ok || refreshToken == "" {
		return "", &SyncError{Op: "refresh", Err: ErrSessionExpired, Detail: "no refresh token"}
	}

	pair, err := m.refresher.RefreshTokens(ctx, refreshToken)
	if err != nil {
		// A transport failure says nothing about the session. Keep the
		// stored pair for the next attempt and surface the error as-is.
		if errors.Is(err, ErrNetworkFailure) {
			return "", err
		}
		_ = m.ClearTokens()
		detail := ""
		var se *SyncError
		if errors.As(err, &se) {
			detail = se.Detail
		}
		return "", &SyncError{Op: "refresh", Err: ErrSessionExpired, Detail: detail}
	}

	if err := m.StoreTokenPair(pair); err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// AccessToken returns the current access token unmodified while valid,
// refreshing first otherwise.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	token, ok, err := m.st.Get(KeySyncAccessToken)
	if err != nil {
		return "", err
	}
	if ok && m.TokenValid(token, KeySyncAccessTokenExpiry) {
		return token, nil
	}
	return m.RefreshAccessToken(ctx)
}
