// Package auth owns the user access-credential lifecycle: the
// login/registration exchange with the broker, silent proactive renewal
// ahead of expiry, reactive one-shot retry on rejection, and the wrapped
// request function every other component uses to reach the broker.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/feldgren/voxwire/internal/observe"
	"github.com/feldgren/voxwire/pkg/secrets"
)

// State is the auth manager's lifecycle state.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshing     State = "refreshing"
)

// renewAhead is how long before expiry the proactive renewal fires.
const renewAhead = 5 * time.Minute

// ErrUnauthorized is returned by [Manager.Do] when a request could not be
// authorised even after the bounded renew-and-replay.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Result is the outcome of a login or registration attempt. Expected auth
// failures (bad credentials, duplicate user) are reported here, never as
// error returns.
type Result struct {
	Success bool
	Error   string
}

// User is the broker's view of the authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Credentials is the credential pair: the short-lived access token, the
// longer-lived rotation token used to mint a fresh pair after expiry, and
// the access token's expiry when the broker reported one.
type Credentials struct {
	AccessToken   string
	RotationToken string
	Expiry        time.Time
}

// stopFunc cancels a scheduled renewal.
type stopFunc func()

// timerFunc schedules fn after d and returns a cancel function. Replaced in
// tests to observe scheduling without waiting.
type timerFunc func(d time.Duration, fn func()) stopFunc

// Option configures a [Manager].
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for broker calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTimerFunc overrides renewal-timer scheduling. Used in tests.
func WithTimerFunc(fn timerFunc) Option {
	return func(m *Manager) { m.timer = fn }
}

// Manager drives the credential lifecycle. All methods are safe for
// concurrent use; concurrent renewal attempts (proactive timer racing a
// reactive 401) coalesce into a single outstanding exchange.
type Manager struct {
	baseURL string
	client  *http.Client
	store   *secrets.Credentials
	metrics *observe.Metrics
	now     func() time.Time
	timer   timerFunc

	renewGroup singleflight.Group

	mu         sync.Mutex
	state      State
	creds      Credentials
	user       *User
	stopRenew  stopFunc
}

// New creates a Manager talking to the broker at baseURL (e.g.
// "https://broker.example.com/api") and persisting credentials in store.
// Any credential pair already in the store is restored, so a returning user
// starts authenticated without a fresh login.
func New(baseURL string, store *secrets.Credentials, opts ...Option) *Manager {
	m := &Manager{
		baseURL: baseURL,
		client:  http.DefaultClient,
		store:   store,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
		state:   StateAnonymous,
	}
	m.timer = func(d time.Duration, fn func()) stopFunc {
		t := time.AfterFunc(d, fn)
		return func() { t.Stop() }
	}
	for _, o := range opts {
		o(m)
	}
	m.restore()
	return m
}

// restore loads a persisted credential pair, if any.
func (m *Manager) restore() {
	ctx := context.Background()
	access, ok := m.store.Get(ctx, secrets.KeyAccessToken)
	if !ok || access == "" {
		return
	}
	creds := Credentials{AccessToken: access}
	if rot, ok := m.store.Get(ctx, secrets.KeyRotationToken); ok {
		creds.RotationToken = rot
	}
	if raw, ok := m.store.Get(ctx, secrets.KeyTokenExpiry); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			creds.Expiry = t
		}
	}

	m.mu.Lock()
	m.creds = creds
	m.state = StateAuthenticated
	m.mu.Unlock()

	if !creds.Expiry.IsZero() {
		m.scheduleRenewal(creds.Expiry)
	}
	slog.Debug("auth: restored credentials from store")
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authenticated reports whether an access token is held in memory.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.AccessToken != ""
}

// CurrentUser returns the user from the last successful exchange, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// ── Login / registration ──────────────────────────────────────────────────────

// authResponse is the broker's response to login, registration, and renewal.
type authResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenExpiry  string `json:"tokenExpiry,omitempty"`
	User         *User  `json:"user,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Login exchanges the identifier/secret pair for a credential pair.
func (m *Manager) Login(ctx context.Context, identifier, secret string) Result {
	return m.exchange(ctx, "/auth/login", identifier, secret, "Login failed. Please try again.")
}

// Register creates a new account and logs it in.
func (m *Manager) Register(ctx context.Context, identifier, secret string) Result {
	return m.exchange(ctx, "/auth/register", identifier, secret, "Registration failed. Please try again.")
}

func (m *Manager) exchange(ctx context.Context, endpoint, identifier, secret, fallbackMsg string) Result {
	// A failed exchange restores the prior state: a rejected re-login while
	// already authenticated leaves the existing session untouched.
	prev := m.State()
	m.setState(StateAuthenticating)

	body, _ := json.Marshal(map[string]string{"identifier": identifier, "secret": secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		m.setState(prev)
		return Result{Success: false, Error: fallbackMsg}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.setState(prev)
		return Result{Success: false, Error: fallbackMsg}
	}
	defer resp.Body.Close()

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		m.setState(prev)
		return Result{Success: false, Error: fallbackMsg}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.setState(prev)
		msg := ar.Error
		if msg == "" {
			msg = fallbackMsg
		}
		return Result{Success: false, Error: msg}
	}

	m.adopt(ctx, ar)
	slog.Info("auth: authenticated", "endpoint", endpoint)
	return Result{Success: true}
}

// adopt stores a fresh credential pair in memory and in the store, moves to
// authenticated, and schedules proactive renewal when expiry is known.
func (m *Manager) adopt(ctx context.Context, ar authResponse) {
	creds := Credentials{AccessToken: ar.Token, RotationToken: ar.RefreshToken}
	if ar.TokenExpiry != "" {
		if t, err := time.Parse(time.RFC3339, ar.TokenExpiry); err == nil {
			creds.Expiry = t
		} else {
			slog.Warn("auth: undecodable token expiry, proactive renewal disabled", "err", err)
		}
	}

	m.mu.Lock()
	m.creds = creds
	if ar.User != nil {
		m.user = ar.User
	}
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.store.Set(ctx, secrets.KeyAccessToken, creds.AccessToken)
	if creds.RotationToken != "" {
		m.store.Set(ctx, secrets.KeyRotationToken, creds.RotationToken)
	}
	if !creds.Expiry.IsZero() {
		m.store.Set(ctx, secrets.KeyTokenExpiry, creds.Expiry.Format(time.RFC3339))
		m.scheduleRenewal(creds.Expiry)
	}
}

// ── Proactive renewal ─────────────────────────────────────────────────────────

// scheduleRenewal arms the single renewal timer for expiry − renewAhead.
// Re-scheduling cancels any prior pending timer; when the firing point is
// already in the past, no timer is armed and the reactive 401 path is left
// to recover.
func (m *Manager) scheduleRenewal(expiry time.Time) {
	d := expiry.Sub(m.now()) - renewAhead

	m.mu.Lock()
	if m.stopRenew != nil {
		m.stopRenew()
		m.stopRenew = nil
	}
	if d <= 0 {
		m.mu.Unlock()
		return
	}
	m.stopRenew = m.timer(d, func() {
		if !m.Renew(context.Background()) {
			slog.Warn("auth: proactive renewal failed, logging out")
			m.Logout(context.Background())
		}
	})
	m.mu.Unlock()

	slog.Debug("auth: renewal scheduled", "in", d)
}

// Renew exchanges the rotation token for a fresh credential pair. Returns
// false when no rotation token exists (fails closed) or the broker rejects
// the exchange — in the rejection case all stored credentials are cleared.
// Concurrent calls coalesce into one outstanding exchange.
func (m *Manager) Renew(ctx context.Context) bool {
	ok, _, _ := m.renewGroup.Do("renew", func() (any, error) {
		return m.renewOnce(ctx), nil
	})
	renewed, _ := ok.(bool)
	return renewed
}

func (m *Manager) renewOnce(ctx context.Context) bool {
	m.mu.Lock()
	rotation := m.creds.RotationToken
	m.mu.Unlock()
	if rotation == "" {
		// Fall back to the store: a fresh process may hold only persisted state.
		rotation, _ = m.store.Get(ctx, secrets.KeyRotationToken)
	}
	if rotation == "" {
		m.metrics.RecordRenewal(ctx, "no_rotation_token")
		return false
	}

	m.setState(StateRefreshing)

	body, _ := json.Marshal(map[string]string{"refreshToken": rotation})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		m.setState(StateAuthenticated)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("auth: renewal request failed", "err", err)
		m.setState(StateAuthenticated)
		m.metrics.RecordRenewal(ctx, "network_error")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The rotation token is spent or revoked; the pair is unrecoverable.
		m.clearStored(ctx)
		m.metrics.RecordRenewal(ctx, "rejected")
		return false
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		m.setState(StateAuthenticated)
		return false
	}

	m.adopt(ctx, ar)
	m.metrics.RecordRenewal(ctx, "ok")
	slog.Info("auth: credentials renewed")
	return true
}

// ── Authenticated requests ────────────────────────────────────────────────────

// Do issues an authenticated request to the broker: endpoint is joined to
// the base URL, the current access token travels as a bearer header, and a
// 401 response triggers exactly one renewal followed by one replay. A
// second 401 — or a failed renewal — logs the user out and returns
// [ErrUnauthorized]. The retry bound holds regardless of how often the
// broker keeps answering 401.
func (m *Manager) Do(ctx context.Context, method, endpoint string, body []byte, header http.Header) (*http.Response, error) {
	resp, err := m.send(ctx, method, endpoint, body, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	if !m.Renew(ctx) {
		m.Logout(ctx)
		return nil, fmt.Errorf("auth: %s %s: renewal failed: %w", method, endpoint, ErrUnauthorized)
	}

	resp, err = m.send(ctx, method, endpoint, body, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		m.Logout(ctx)
		return nil, fmt.Errorf("auth: %s %s: %w", method, endpoint, ErrUnauthorized)
	}
	return resp, nil
}

func (m *Manager) send(ctx context.Context, method, endpoint string, body []byte, header http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+endpoint, r)
	if err != nil {
		return nil, fmt.Errorf("auth: build request %s %s: %w", method, endpoint, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	m.mu.Lock()
	token := m.creds.AccessToken
	m.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// FetchUser validates the current credentials by fetching the account from
// the broker. Called on startup after a credential restore; a 401 funnels
// through the usual renew-then-logout discipline inside [Manager.Do].
func (m *Manager) FetchUser(ctx context.Context) (*User, error) {
	resp, err := m.Do(ctx, http.MethodGet, "/user", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("auth: fetch user: status %d", resp.StatusCode)
	}

	var payload struct {
		User *User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("auth: decode user: %w", err)
	}

	m.mu.Lock()
	m.user = payload.User
	m.mu.Unlock()
	return payload.User, nil
}

// ── Logout ────────────────────────────────────────────────────────────────────

// Logout cancels any pending renewal timer, clears the in-memory credential
// pair, and clears the store. Idempotent — calling it while already logged
// out is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	if m.stopRenew != nil {
		m.stopRenew()
		m.stopRenew = nil
	}
	wasAuthed := m.creds.AccessToken != ""
	m.creds = Credentials{}
	m.user = nil
	m.state = StateAnonymous
	m.mu.Unlock()

	m.clearStoredKeys(ctx)
	if wasAuthed {
		slog.Info("auth: logged out")
	}
}

// clearStored wipes both memory and store after an unrecoverable renewal
// rejection.
func (m *Manager) clearStored(ctx context.Context) {
	m.mu.Lock()
	m.creds = Credentials{}
	m.state = StateAnonymous
	m.mu.Unlock()
	m.clearStoredKeys(ctx)
}

func (m *Manager) clearStoredKeys(ctx context.Context) {
	m.store.Delete(ctx, secrets.KeyAccessToken)
	m.store.Delete(ctx, secrets.KeyRotationToken)
	m.store.Delete(ctx, secrets.KeyTokenExpiry)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
