// Package session drives the lifecycle of a realtime voice session: settings
// resolution, scoped-credential minting, signaling negotiation over the
// broker, and teardown. The orchestrator owns the single live transport.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/feldgren/voxwire/internal/events"
	"github.com/feldgren/voxwire/internal/observe"
	"github.com/feldgren/voxwire/pkg/rtc"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
)

// ephemeralKeyHeader carries the scoped session credential on the signaling
// exchange. It is distinct from the bearer header, which keeps proving who
// the user is to the broker.
const ephemeralKeyHeader = "X-Voxwire-Ephemeral-Key"

// ErrSessionActive is returned by Start while a session is negotiating or
// live. Stop it first.
var ErrSessionActive = errors.New("session: already active")

// Requester issues authenticated calls against the broker API. Satisfied by
// *auth.Manager.
type Requester interface {
	Do(ctx context.Context, method, endpoint string, body []byte, header http.Header) (*http.Response, error)
}

type statusError struct {
	endpoint string
	status   int
	detail   string
}

func (e *statusError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("session: %s: status %d: %s", e.endpoint, e.status, e.detail)
	}
	return fmt.Sprintf("session: %s: status %d", e.endpoint, e.status)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithChannelOptions forwards extra options to the event channel built for
// each session.
func WithChannelOptions(opts ...events.Option) Option {
	return func(o *Orchestrator) { o.channelOpts = opts }
}

// WithDefaults sets the built-in fallback settings used when neither an
// override nor a saved preference exists.
func WithDefaults(s Settings) Option {
	return func(o *Orchestrator) { o.settings.defaults = s }
}

// Orchestrator serializes session starts and stops. At most one live
// transport exists at a time; a Start while one is negotiating or active
// fails with [ErrSessionActive] instead of racing a second transport into
// existence.
type Orchestrator struct {
	broker      Requester
	dialer      rtc.Dialer
	log         *events.Log
	settings    *settingsCache
	metrics     *observe.Metrics
	now         func() time.Time
	channelOpts []events.Option

	mu        sync.Mutex
	state     State
	transport rtc.PeerTransport
	channel   *events.Channel
	cancel    context.CancelFunc
	current   Settings
}

// New creates an Orchestrator. The event log is shared with the caller so
// observers (UI, monitor surface) read session history without touching the
// raw channel.
func New(broker Requester, dialer rtc.Dialer, log *events.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		broker:  broker,
		dialer:  dialer,
		log:     log,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
		state:   StateIdle,
	}
	o.settings = newSettingsCache(broker, o.metrics)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentSettings returns the effective settings of the running (or last
// started) session.
func (o *Orchestrator) CurrentSettings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// InvalidateSettings starts a new settings epoch; the next Start re-fetches
// the saved prompt and voice.
func (o *Orchestrator) InvalidateSettings() { o.settings.Invalidate() }

// Start negotiates a new session. Override arguments take precedence over
// the user's saved settings, which take precedence over built-in defaults.
// On return the transport is negotiated but the session is not yet active;
// the data channel's open signal flips the state. Any failure tears down
// partial resources and leaves the orchestrator idle and retryable.
func (o *Orchestrator) Start(ctx context.Context, overrideInstructions, overrideVoice string) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrSessionActive
	}
	o.state = StateNegotiating
	o.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	started := o.now()

	err := o.negotiate(ctx, overrideInstructions, overrideVoice)
	status := "ok"
	if err != nil {
		status = "error"
		o.Stop()
	}
	o.metrics.RecordSessionStart(ctx, status)
	o.metrics.NegotiationDuration.Record(ctx, o.now().Sub(started).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
	if err != nil {
		observe.Logger(ctx).Error("session start failed", "err", err)
		return err
	}
	return nil
}

func (o *Orchestrator) negotiate(ctx context.Context, overrideInstructions, overrideVoice string) error {
	eff := o.settings.resolve(ctx, overrideInstructions, overrideVoice)

	key, err := o.mintScopedCredential(ctx, eff)
	if err != nil {
		return err
	}

	transport, err := o.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("session: dial transport: %w", err)
	}
	if !o.install(transport) {
		transport.Close()
		return errors.New("session: stopped during negotiation")
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("session: create offer: %w", err)
	}

	answer, err := o.exchangeOffer(ctx, offer, key)
	if err != nil {
		return err
	}
	if err := transport.AcceptAnswer(ctx, answer); err != nil {
		return fmt.Errorf("session: apply answer: %w", err)
	}

	chOpts := append([]events.Option{events.WithOnOpen(o.markActive)}, o.channelOpts...)
	channel := events.New(transport.DataChannel(), o.log, chOpts...)
	chCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if o.state != StateNegotiating || o.transport != transport {
		o.mu.Unlock()
		cancel()
		return errors.New("session: stopped during negotiation")
	}
	o.channel = channel
	o.cancel = cancel
	o.current = eff
	o.mu.Unlock()

	channel.Start(chCtx)
	observe.Logger(ctx).Info("session negotiated", "voice", eff.Voice)
	return nil
}

// install records the freshly dialed transport so a concurrent Stop can
// reach it mid-negotiation. Returns false when the session was stopped
// before the transport could be adopted.
func (o *Orchestrator) install(t rtc.PeerTransport) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateNegotiating {
		return false
	}
	o.transport = t
	return true
}

// mintScopedCredential asks the broker for a short-lived provider
// credential, passing the effective settings as headers so the broker can
// bake them into the session configuration. The credential arrives either
// as a flat value or nested under client_secret; anything else is a hard
// failure.
func (o *Orchestrator) mintScopedCredential(ctx context.Context, eff Settings) (string, error) {
	header := http.Header{}
	if eff.Instructions != "" {
		header.Set("x-system-prompt", eff.Instructions)
	}
	if eff.Voice != "" {
		header.Set("x-voice", eff.Voice)
	}

	resp, err := o.broker.Do(ctx, http.MethodGet, "/token", nil, header)
	if err != nil {
		return "", fmt.Errorf("session: request scoped credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{endpoint: "/token", status: resp.StatusCode, detail: string(body)}
	}

	var payload struct {
		Value        string `json:"value"`
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("session: decode scoped credential: %w", err)
	}
	switch {
	case payload.Value != "":
		return payload.Value, nil
	case payload.ClientSecret.Value != "":
		return payload.ClientSecret.Value, nil
	default:
		return "", errors.New("session: scoped credential missing from /token response")
	}
}

// exchangeOffer posts the local offer to the broker and returns the remote
// answer. A non-2xx response surfaces the body as diagnostic detail.
func (o *Orchestrator) exchangeOffer(ctx context.Context, offer, key string) (string, error) {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set(ephemeralKeyHeader, key)

	resp, err := o.broker.Do(ctx, http.MethodPost, "/session", []byte(offer), header)
	if err != nil {
		return "", fmt.Errorf("session: exchange offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("session: read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &statusError{endpoint: "/session", status: resp.StatusCode, detail: string(body)}
	}
	return string(body), nil
}

// markActive runs when the data channel opens.
func (o *Orchestrator) markActive() {
	o.mu.Lock()
	if o.state != StateNegotiating {
		o.mu.Unlock()
		return
	}
	o.state = StateActive
	o.mu.Unlock()
	o.metrics.ActiveSessions.Add(context.Background(), 1)
}

// Stop tears the session down unconditionally: every step runs whether or
// not a prior step had anything to act on, so stopping a session that never
// fully started is safe. Always leaves the orchestrator idle and the event
// log empty.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	transport := o.transport
	cancel := o.cancel
	wasActive := o.state == StateActive
	o.transport = nil
	o.channel = nil
	o.cancel = nil
	o.state = StateIdle
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			observe.Logger(context.Background()).Warn("transport close failed", "err", err)
		}
	}
	if wasActive {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	o.log.Clear()
}

// Send transmits an event over the live channel. Without a live channel it
// logs and drops, matching the channel's own failure semantics.
func (o *Orchestrator) Send(e events.Event) {
	if ch := o.liveChannel(); ch != nil {
		ch.Send(e)
		return
	}
	observe.Logger(context.Background()).Error("no data channel available", "type", e.Type)
}

// SendText packages a user text turn as the fixed two-event macro.
func (o *Orchestrator) SendText(message string) {
	if ch := o.liveChannel(); ch != nil {
		ch.SendText(message)
		return
	}
	observe.Logger(context.Background()).Error("no data channel available", "type", events.TypeConversationItemCreate)
}

// UpdateInstructions steers the live session with new instructions and
// updates the cached current settings. The change applies without
// renegotiation.
func (o *Orchestrator) UpdateInstructions(instructions string) {
	ch := o.liveChannel()
	if ch == nil {
		observe.Logger(context.Background()).Error("no data channel available", "type", events.TypeSessionUpdate)
		return
	}
	ch.UpdateInstructions(instructions)

	o.mu.Lock()
	o.current.Instructions = instructions
	o.mu.Unlock()
}

func (o *Orchestrator) liveChannel() *events.Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channel
}
