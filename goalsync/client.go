// ABOUTME: HTTP client for the sync server: register/login/refresh plus
// ABOUTME: envelope fetch and push, bearer-authorized and rate limited.
package goalsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// EncryptedEnvelope is the stored/transmitted unit per account: ciphertext
// plus device identity and timestamp/version metadata. One envelope per
// account, replaced wholesale on each push.
type EncryptedEnvelope struct {
	EncryptedData string `json:"encryptedData"`
	DeviceID      string `json:"deviceId"`
	Timestamp     int64  `json:"timestamp"`
	Version       int    `json:"version"`
}

// ClientConfig controls transport behavior.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// MinRequestInterval spaces outbound requests to respect server rate
	// limits. Zero disables client-side limiting.
	MinRequestInterval time.Duration
}

// Client performs RPCs against the sync server.
type Client struct {
	cfg     ClientConfig
	hc      *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinRequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1)
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: to},
		limiter: limiter,
	}
}

type credentialsReq struct {
	ServerURL string `json:"serverUrl"`
	UserID    string `json:"userId"`
	Password  string `json:"password"`
}

type tokenResp struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Tokens  *TokenPair `json:"tokens"`
}

// Register creates a server-side account for the user id.
func (c *Client) Register(ctx context.Context, userID, password string) (TokenPair, error) {
	return c.credentialCall(ctx, "register", "/register", userID, password)
}

// Login authenticates with user id and password.
func (c *Client) Login(ctx context.Context, userID, password string) (TokenPair, error) {
	return c.credentialCall(ctx, "login", "/login", userID, password)
}

func (c *Client) credentialCall(ctx context.Context, op, path, userID, password string) (TokenPair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return TokenPair{}, &SyncError{Op: op, Err: ErrNotFound, Detail: "user id and password required"}
	}

	body := credentialsReq{ServerURL: c.cfg.BaseURL, UserID: userID, Password: password}
	resp, err := c.doJSON(ctx, http.MethodPost, path, body, "")
	if err != nil {
		return TokenPair{}, &SyncError{Op: op, Err: ErrNetworkFailure, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	var out tokenResp
	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, &SyncError{Op: op, Err: ErrNetworkFailure, Detail: decodeErrorBody(resp)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenPair{}, &SyncError{Op: op, Err: ErrNetworkFailure, Detail: err.Error()}
	}
	if !out.Success || out.Tokens == nil {
		return TokenPair{}, &SyncError{Op: op, Err: ErrSessionExpired, Detail: serverMessage(out.Message)}
	}
	return *out.Tokens, nil
}

// RefreshTokens exchanges a refresh token for a new token pair. A non-2xx
// response or success:false is a refresh failure; the server message rides
// along in the error detail.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (TokenPair, error) {
	body := struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: refreshToken}

	resp, err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", body, "")
	if err != nil {
		return TokenPair{}, &SyncError{Op: "refresh", Err: ErrNetworkFailure, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	var out tokenResp
	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, &SyncError{Op: "refresh", Err: ErrSessionExpired, Detail: decodeErrorBody(resp)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenPair{}, &SyncError{Op: "refresh", Err: ErrSessionExpired, Detail: err.Error()}
	}
	if !out.Success || out.Tokens == nil {
		return TokenPair{}, &SyncError{Op: "refresh", Err: ErrSessionExpired, Detail: serverMessage(out.Message)}
	}
	return *out.Tokens, nil
}

// FetchEnvelope retrieves the account's envelope. A 404 means no remote data
// exists yet and is reported as ErrNoRemoteData, not a transport failure.
func (c *Client) FetchEnvelope(ctx context.Context, userID, accessToken string) (*EncryptedEnvelope, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/sync/"+userID, nil, accessToken)
	if err != nil {
		return nil, &SyncError{Op: "fetch", Err: ErrNetworkFailure, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, ErrNoRemoteData
	case http.StatusUnauthorized:
		return nil, &SyncError{Op: "fetch", Err: ErrSessionExpired, Detail: decodeErrorBody(resp)}
	case http.StatusOK:
	default:
		return nil, &SyncError{Op: "fetch", Err: ErrNetworkFailure, Detail: decodeErrorBody(resp)}
	}

	var out struct {
		Success bool               `json:"success"`
		Data    *EncryptedEnvelope `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &SyncError{Op: "fetch", Err: ErrNetworkFailure, Detail: err.Error()}
	}
	if !out.Success || out.Data == nil {
		return nil, ErrNoRemoteData
	}
	return out.Data, nil
}

// PushEnvelope replaces the account's envelope wholesale. Returns the
// server-recorded timestamp (falling back to the envelope's own).
func (c *Client) PushEnvelope(ctx context.Context, env EncryptedEnvelope, accessToken string) (int64, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, "/sync", env, accessToken)
	if err != nil {
		return 0, &SyncError{Op: "push", Err: ErrNetworkFailure, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return 0, &SyncError{Op: "push", Err: ErrSessionExpired, Detail: decodeErrorBody(resp)}
	case http.StatusOK:
	default:
		return 0, &SyncError{Op: "push", Err: ErrNetworkFailure, Detail: decodeErrorBody(resp)}
	}

	var out struct {
		Success   bool  `json:"success"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, &SyncError{Op: "push", Err: ErrNetworkFailure, Detail: err.Error()}
	}
	if out.Timestamp != 0 {
		return out.Timestamp, nil
	}
	return env.Timestamp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, bearer string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.hc.Do(req)
}

func decodeErrorBody(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return resp.Status
}

func serverMessage(msg string) string {
	if msg == "" {
		return "authentication failed"
	}
	return msg
}
