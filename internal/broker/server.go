// Package broker implements the trust boundary between voxwire clients and
// the realtime provider: account auth with a two-token credential scheme,
// per-user session preferences, scoped-credential minting, and the SDP
// relay that keeps the provider API key server-side.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/feldgren/voxwire/internal/health"
	"github.com/feldgren/voxwire/internal/observe"
)

// maxOfferBytes bounds the SDP offer body.
const maxOfferBytes = 1 << 20

// allowedVoices are the synthesis voices a user may save.
var allowedVoices = map[string]bool{
	"cedar": true,
	"alloy": true,
	"marin": true,
}

// Provider is the upstream surface the handlers need. Satisfied by
// *ProviderClient.
type Provider interface {
	MintClientSecret(ctx context.Context, instructions, voice string) ([]byte, error)
	ExchangeOffer(ctx context.Context, offer, ephemeralKey, instructions, voice string) (string, error)

	// Ready reports whether the upstream is expected to accept calls.
	Ready(ctx context.Context) error
}

// Server holds the broker's HTTP surface.
type Server struct {
	store    UserStore
	tokens   *TokenIssuer
	provider Provider
	metrics  *observe.Metrics
}

// NewServer wires the broker handlers over the given store, token issuer,
// and provider client.
func NewServer(store UserStore, tokens *TokenIssuer, provider Provider) *Server {
	return &Server{
		store:    store,
		tokens:   tokens,
		provider: provider,
		metrics:  observe.DefaultMetrics(),
	}
}

// Handler builds the full route table. The API routes sit behind the
// tracing middleware; probes and metrics stay outside it.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/auth/register", s.handleRegister)
	api.HandleFunc("POST /api/auth/login", s.handleLogin)
	api.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	api.HandleFunc("GET /api/user", s.authenticated(s.handleUser))
	api.HandleFunc("GET /api/token", s.authenticated(s.handleToken))
	api.HandleFunc("POST /api/session", s.authenticated(s.handleSession))
	api.HandleFunc("GET /api/system-prompt", s.authenticated(s.handleGetPrompt))
	api.HandleFunc("POST /api/system-prompt", s.authenticated(s.handleSetPrompt))
	api.HandleFunc("GET /api/voice", s.authenticated(s.handleGetVoice))
	api.HandleFunc("POST /api/voice", s.authenticated(s.handleSetVoice))

	root := http.NewServeMux()
	root.Handle("/api/", observe.Middleware(s.metrics)(api))
	health.New(
		health.Checker{Name: "store", Check: s.store.Ping},
		health.Checker{Name: "provider", Check: s.provider.Ready},
	).Register(root)
	root.Handle("GET /metrics", promhttp.Handler())
	return root
}

// Run serves the handler on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ── Auth handlers ─────────────────────────────────────────────────────────────

type credentialsRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type authResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	TokenExpiry  string    `json:"tokenExpiry"`
	User         *userBody `json:"user"`
}

type userBody struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "Email and password required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), strings.ToLower(req.Identifier), hash)
	if errors.Is(err, ErrEmailTaken) {
		writeError(w, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	observe.Logger(r.Context()).Info("user registered", "user_id", user.ID)
	s.issuePair(w, r, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "Email and password required")
		return
	}

	user, err := s.store.UserByEmail(r.Context(), strings.ToLower(req.Identifier))
	if err != nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Secret)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	s.issuePair(w, r, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token required")
		return
	}

	userID, err := s.store.ConsumeRotationToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusForbidden, "Invalid refresh token")
		return
	}
	user, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusForbidden, "Invalid refresh token")
		return
	}

	s.issuePair(w, r, user)
}

// issuePair mints a fresh credential pair, registers the rotation token,
// and writes the auth response.
func (s *Server) issuePair(w http.ResponseWriter, r *http.Request, user *User) {
	pair, err := s.tokens.Issue(user)
	if err != nil {
		observe.Logger(r.Context()).Error("token issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if err := s.store.SaveRotationToken(r.Context(), pair.RotationToken, user.ID, s.tokens.RotationExpiry()); err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RotationToken,
		TokenExpiry:  pair.Expiry.UTC().Format(time.RFC3339),
		User:         &userBody{ID: user.ID, Email: user.Email},
	})
}

// ── Bearer middleware ─────────────────────────────────────────────────────────

type ctxKey int

const userKey ctxKey = 0

// authenticated verifies the bearer token and loads the account before
// invoking next.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "Access token required")
			return
		}
		userID, err := s.tokens.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		user, err := s.store.UserByID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func requestUser(r *http.Request) *User {
	u, _ := r.Context().Value(userKey).(*User)
	return u
}

// ── Account and settings handlers ─────────────────────────────────────────────

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	u := requestUser(r)
	writeJSON(w, http.StatusOK, map[string]*userBody{
		"user": {ID: u.ID, Email: u.Email},
	})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"prompt": requestUser(r).Prompt})
}

func (s *Server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Prompt required")
		return
	}
	if err := s.store.SetPrompt(r.Context(), requestUser(r).ID, req.Prompt); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": req.Prompt})
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"voice": requestUser(r).Voice})
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Voice string `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !allowedVoices[req.Voice] {
		writeError(w, http.StatusBadRequest, "Unknown voice")
		return
	}
	if err := s.store.SetVoice(r.Context(), requestUser(r).ID, req.Voice); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save voice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"voice": req.Voice})
}

// ── Provider handlers ─────────────────────────────────────────────────────────

// sessionSettings resolves the per-request prompt and voice: header values
// from the client win over the saved preference.
func sessionSettings(r *http.Request) (instructions, voice string) {
	u := requestUser(r)
	instructions = r.Header.Get("x-system-prompt")
	if instructions == "" {
		instructions = u.Prompt
	}
	voice = r.Header.Get("x-voice")
	if voice == "" {
		voice = u.Voice
	}
	if voice == "" {
		voice = "cedar"
	}
	return instructions, voice
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	instructions, voice := sessionSettings(r)

	body, err := s.provider.MintClientSecret(r.Context(), instructions, voice)
	if err != nil {
		s.writeUpstreamError(w, r, err, "Failed to generate token")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	offer, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil || len(offer) == 0 {
		writeError(w, http.StatusBadRequest, "SDP offer required")
		return
	}
	instructions, voice := sessionSettings(r)
	ephemeral := r.Header.Get("X-Voxwire-Ephemeral-Key")

	answer, err := s.provider.ExchangeOffer(r.Context(), string(offer), ephemeral, instructions, voice)
	if err != nil {
		s.writeUpstreamError(w, r, err, "Failed to create session")
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, answer)
}

// writeUpstreamError relays a provider rejection with its original status
// and diagnostic body; anything else becomes a 502.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	observe.Logger(r.Context()).Error("provider call failed", "err", err)
	var ue *UpstreamError
	if errors.As(err, &ue) {
		writeJSON(w, ue.Status, map[string]string{"error": msg, "details": ue.Body})
		return
	}
	writeError(w, http.StatusBadGateway, msg)
}

// ── Response helpers ──────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
