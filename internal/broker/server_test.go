package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeProvider is a scriptable Provider recording the settings it was
// called with.
type fakeProvider struct {
	mu sync.Mutex

	secretBody  []byte
	secretErr   error
	answer      string
	exchangeErr error
	readyErr    error

	mintInstructions string
	mintVoice        string
	exchangeOffer    string
	exchangeKey      string
}

func (p *fakeProvider) MintClientSecret(_ context.Context, instructions, voice string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mintInstructions = instructions
	p.mintVoice = voice
	if p.secretErr != nil {
		return nil, p.secretErr
	}
	return p.secretBody, nil
}

func (p *fakeProvider) ExchangeOffer(_ context.Context, offer, ephemeralKey, instructions, voice string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeOffer = offer
	p.exchangeKey = ephemeralKey
	if p.exchangeErr != nil {
		return "", p.exchangeErr
	}
	return p.answer, nil
}

func (p *fakeProvider) Ready(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyErr
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{
		secretBody: []byte(`{"client_secret":{"value":"EK"}}`),
		answer:     "v=0\r\nanswer\r\n",
	}
	s := NewServer(NewMemoryStore(), NewTokenIssuer([]byte("test-secret")), provider)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, provider
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeAuth(t *testing.T, resp *http.Response) authResponse {
	t.Helper()
	defer resp.Body.Close()
	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	return ar
}

func registerUser(t *testing.T, srv *httptest.Server) authResponse {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/auth/register", credentialsRequest{
		Identifier: "alice@example.com", Secret: "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	return decodeAuth(t, resp)
}

func authedRequest(t *testing.T, srv *httptest.Server, method, path, token string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	ar := registerUser(t, srv)
	if ar.Token == "" || ar.RefreshToken == "" || ar.TokenExpiry == "" {
		t.Fatalf("incomplete credential pair: %+v", ar)
	}
	if ar.User == nil || ar.User.Email != "alice@example.com" {
		t.Errorf("user = %+v", ar.User)
	}

	// Duplicate registration is rejected.
	resp := postJSON(t, srv.URL+"/api/auth/register", credentialsRequest{
		Identifier: "alice@example.com", Secret: "other",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	// Login with the right password works, wrong password does not.
	resp = postJSON(t, srv.URL+"/api/auth/login", credentialsRequest{
		Identifier: "alice@example.com", Secret: "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/auth/login", credentialsRequest{
		Identifier: "alice@example.com", Secret: "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}
}

func TestRefreshRotatesAndIsSingleUse(t *testing.T) {
	srv, _ := newTestServer(t)
	ar := registerUser(t, srv)

	resp := postJSON(t, srv.URL+"/api/auth/refresh", map[string]string{"refreshToken": ar.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	fresh := decodeAuth(t, resp)
	if fresh.RefreshToken == ar.RefreshToken {
		t.Error("rotation token was not rotated")
	}

	// The spent token must not work a second time.
	resp = postJSON(t, srv.URL+"/api/auth/refresh", map[string]string{"refreshToken": ar.RefreshToken})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("spent token status = %d, want 403", resp.StatusCode)
	}

	// The fresh pair authenticates.
	userResp := authedRequest(t, srv, http.MethodGet, "/api/user", fresh.Token, nil, nil)
	userResp.Body.Close()
	if userResp.StatusCode != http.StatusOK {
		t.Errorf("fresh token /api/user status = %d", userResp.StatusCode)
	}
}

func TestBearerRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, tc := range []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/user", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestTokenEndpointRelaysSecretAndSettings(t *testing.T) {
	srv, provider := newTestServer(t)
	ar := registerUser(t, srv)

	header := http.Header{}
	header.Set("x-system-prompt", "be brief")
	header.Set("x-voice", "marin")
	resp := authedRequest(t, srv, http.MethodGet, "/api/token", ar.Token, nil, header)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"client_secret":{"value":"EK"}}` {
		t.Errorf("token body = %s, want provider body verbatim", body)
	}
	if provider.mintInstructions != "be brief" {
		t.Errorf("instructions = %q, want header value", provider.mintInstructions)
	}
	if provider.mintVoice != "marin" {
		t.Errorf("voice = %q, want header value", provider.mintVoice)
	}
}

func TestTokenEndpointFallsBackToSavedSettings(t *testing.T) {
	srv, provider := newTestServer(t)
	ar := registerUser(t, srv)

	resp := authedRequest(t, srv, http.MethodPost, "/api/voice", ar.Token,
		strings.NewReader(`{"voice":"alloy"}`), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save voice status = %d", resp.StatusCode)
	}

	resp = authedRequest(t, srv, http.MethodGet, "/api/token", ar.Token, nil, nil)
	resp.Body.Close()
	if provider.mintVoice != "alloy" {
		t.Errorf("voice = %q, want saved preference", provider.mintVoice)
	}
}

func TestSessionRelaysOfferAndAnswer(t *testing.T) {
	srv, provider := newTestServer(t)
	ar := registerUser(t, srv)

	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("X-Voxwire-Ephemeral-Key", "EK")
	resp := authedRequest(t, srv, http.MethodPost, "/api/session", ar.Token,
		strings.NewReader("v=0\r\noffer\r\n"), header)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "v=0\r\nanswer\r\n" {
		t.Errorf("answer = %q, want provider answer verbatim", body)
	}
	if provider.exchangeOffer != "v=0\r\noffer\r\n" {
		t.Errorf("offer = %q, want request body verbatim", provider.exchangeOffer)
	}
	if provider.exchangeKey != "EK" {
		t.Errorf("ephemeral key = %q, want header value", provider.exchangeKey)
	}
}

func TestSessionRelaysUpstreamRejection(t *testing.T) {
	srv, provider := newTestServer(t)
	provider.exchangeErr = &UpstreamError{Status: http.StatusBadRequest, Body: "invalid sdp"}
	ar := registerUser(t, srv)

	resp := authedRequest(t, srv, http.MethodPost, "/api/session", ar.Token,
		strings.NewReader("bogus"), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want upstream status relayed", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["details"] != "invalid sdp" {
		t.Errorf("details = %q, want upstream body", payload["details"])
	}
}

func TestPromptRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	ar := registerUser(t, srv)

	resp := authedRequest(t, srv, http.MethodPost, "/api/system-prompt", ar.Token,
		strings.NewReader(`{"prompt":"You are terse."}`), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save prompt status = %d", resp.StatusCode)
	}

	resp = authedRequest(t, srv, http.MethodGet, "/api/system-prompt", ar.Token, nil, nil)
	defer resp.Body.Close()
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	if payload["prompt"] != "You are terse." {
		t.Errorf("prompt = %q", payload["prompt"])
	}
}

func TestSetVoiceRejectsUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	ar := registerUser(t, srv)

	resp := authedRequest(t, srv, http.MethodPost, "/api/voice", ar.Token,
		strings.NewReader(`{"voice":"klingon"}`), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown voice", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestReadyzReportsStoreAndProvider(t *testing.T) {
	srv, provider := newTestServer(t)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	resp.Body.Close()
	if body.Checks["store"] != "ok" || body.Checks["provider"] != "ok" {
		t.Errorf("checks = %v, want store and provider ok", body.Checks)
	}

	provider.mu.Lock()
	provider.readyErr = errors.New("no API key configured")
	provider.mu.Unlock()

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503 when provider unready", resp.StatusCode)
	}
}
