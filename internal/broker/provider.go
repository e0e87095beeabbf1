package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/feldgren/voxwire/internal/observe"
)

// DefaultProviderURL is the realtime API base used when the config names
// none.
const DefaultProviderURL = "https://api.openai.com/v1/realtime"

// UpstreamError carries the provider's non-2xx response so handlers can
// relay the status and diagnostic body to the client.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("broker: provider returned %d: %s", e.Status, e.Body)
}

// ProviderClient talks to the upstream realtime API: minting client secrets
// and exchanging SDP offers for answers.
type ProviderClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	metrics *observe.Metrics
}

// NewProviderClient creates a client for the realtime API at baseURL
// (DefaultProviderURL when empty) authenticating with apiKey.
func NewProviderClient(baseURL, apiKey, model string) *ProviderClient {
	if baseURL == "" {
		baseURL = DefaultProviderURL
	}
	if model == "" {
		model = "gpt-realtime"
	}
	return &ProviderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
		metrics: observe.DefaultMetrics(),
	}
}

// Ready reports whether the client is configured to reach the upstream. It
// never issues a network call: the readiness probe runs often and must not
// hammer the provider.
func (p *ProviderClient) Ready(_ context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("broker: no provider API key configured")
	}
	return nil
}

// sessionConfig builds the session object embedded into a client secret
// and into SDP calls. Instructions are omitted when empty; the voice always
// travels so the provider never falls back to its own default.
func (p *ProviderClient) sessionConfig(instructions, voice string) []byte {
	session := map[string]any{
		"type":  "realtime",
		"model": p.model,
		"audio": map[string]any{
			"output": map[string]any{"voice": voice},
		},
	}
	if instructions != "" {
		session["instructions"] = instructions
	}
	cfg, _ := json.Marshal(map[string]any{"session": session})
	return cfg
}

// MintClientSecret asks the provider for a scoped client secret carrying
// the session configuration. The raw response body is returned for the
// handler to relay verbatim, so whichever credential shape the provider
// uses reaches the client untouched.
func (p *ProviderClient) MintClientSecret(ctx context.Context, instructions, voice string) ([]byte, error) {
	started := time.Now()
	defer func() {
		p.metrics.UpstreamDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("call", "client_secrets")))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/client_secrets", bytes.NewReader(p.sessionConfig(instructions, voice)))
	if err != nil {
		return nil, fmt.Errorf("broker: build client_secrets request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: mint client secret: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read client secret: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// ExchangeOffer uploads the SDP offer as a multipart form to the provider's
// calls endpoint and returns the SDP answer. When the client negotiated a
// scoped credential it authorizes the call; otherwise the broker's own key
// does.
func (p *ProviderClient) ExchangeOffer(ctx context.Context, offer, ephemeralKey, instructions, voice string) (string, error) {
	started := time.Now()
	defer func() {
		p.metrics.UpstreamDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("call", "calls")))
	}()

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	if err := mw.WriteField("sdp", offer); err != nil {
		return "", fmt.Errorf("broker: build calls form: %w", err)
	}
	if err := mw.WriteField("session", string(p.sessionConfig(instructions, voice))); err != nil {
		return "", fmt.Errorf("broker: build calls form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("broker: build calls form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/calls", &form)
	if err != nil {
		return "", fmt.Errorf("broker: build calls request: %w", err)
	}
	key := ephemeralKey
	if key == "" {
		key = p.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("OpenAI-Beta", "realtime=v1")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broker: exchange offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("broker: read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}
