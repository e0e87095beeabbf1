package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/feldgren/voxwire/internal/events"
	"github.com/feldgren/voxwire/pkg/rtc/mock"
)

// fakeBroker is a scriptable Requester that routes on the endpoint path and
// records every call.
type fakeBroker struct {
	mu      sync.Mutex
	handler map[string]func(method string, body []byte, header http.Header) *http.Response
	calls   map[string]int
	headers map[string]http.Header
	bodies  map[string][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handler: map[string]func(string, []byte, http.Header) *http.Response{},
		calls:   map[string]int{},
		headers: map[string]http.Header{},
		bodies:  map[string][]byte{},
	}
}

func (b *fakeBroker) respond(endpoint string, fn func(method string, body []byte, header http.Header) *http.Response) {
	b.handler[endpoint] = fn
}

func (b *fakeBroker) respondJSON(endpoint string, status int, body string) {
	b.respond(endpoint, func(string, []byte, http.Header) *http.Response {
		return newResponse(status, body)
	})
}

func (b *fakeBroker) Do(_ context.Context, method, endpoint string, body []byte, header http.Header) (*http.Response, error) {
	b.mu.Lock()
	b.calls[endpoint]++
	if header != nil {
		b.headers[endpoint] = header.Clone()
	}
	b.bodies[endpoint] = body
	fn := b.handler[endpoint]
	b.mu.Unlock()

	if fn == nil {
		return newResponse(http.StatusNotFound, `{"error":"not found"}`), nil
	}
	return fn(method, body, header), nil
}

func (b *fakeBroker) callCount(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[endpoint]
}

func (b *fakeBroker) sentHeader(endpoint, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[endpoint].Get(key)
}

func (b *fakeBroker) sentBody(endpoint string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.bodies[endpoint])
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func happyBroker() *fakeBroker {
	b := newFakeBroker()
	b.respondJSON("/system-prompt", http.StatusOK, `{"prompt":"P"}`)
	b.respondJSON("/voice", http.StatusOK, `{"voice":"cedar"}`)
	b.respondJSON("/token", http.StatusOK, `{"client_secret":{"value":"EK"}}`)
	b.respond("/session", func(_ string, _ []byte, _ http.Header) *http.Response {
		return newResponse(http.StatusOK, "v=0\r\nanswer\r\n")
	})
	return b
}

func TestStartNegotiatesSession(t *testing.T) {
	broker := happyBroker()
	transport := mock.NewTransport()
	dialer := &mock.Dialer{DialResult: transport}

	o := New(broker, dialer, events.NewLog())
	defer o.Stop()

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := broker.sentHeader("/token", "x-system-prompt"); got != "P" {
		t.Errorf("x-system-prompt = %q, want saved prompt", got)
	}
	if got := broker.sentHeader("/token", "x-voice"); got != "cedar" {
		t.Errorf("x-voice = %q, want cedar", got)
	}
	if got := broker.sentHeader("/session", "X-Voxwire-Ephemeral-Key"); got != "EK" {
		t.Errorf("ephemeral key header = %q, want EK", got)
	}
	if got := broker.sentBody("/session"); got != transport.OfferSDP {
		t.Errorf("offer body = %q, want local offer", got)
	}
	if transport.RemoteAnswer != "v=0\r\nanswer\r\n" {
		t.Errorf("remote answer = %q, want broker answer verbatim", transport.RemoteAnswer)
	}

	// Negotiation success and channel readiness are separate signals.
	if got := o.State(); got != StateNegotiating {
		t.Errorf("state after start = %q, want %q", got, StateNegotiating)
	}
	transport.Channel.SimulateOpen()
	waitFor(t, "active state", func() bool { return o.State() == StateActive })
}

func TestStartFlatCredentialShape(t *testing.T) {
	broker := happyBroker()
	broker.respondJSON("/token", http.StatusOK, `{"value":"EK-flat"}`)
	transport := mock.NewTransport()

	o := New(broker, &mock.Dialer{DialResult: transport}, events.NewLog())
	defer o.Stop()

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := broker.sentHeader("/session", "X-Voxwire-Ephemeral-Key"); got != "EK-flat" {
		t.Errorf("ephemeral key header = %q, want EK-flat", got)
	}
}

func TestStartMissingCredentialAborts(t *testing.T) {
	broker := happyBroker()
	broker.respondJSON("/token", http.StatusOK, `{"expires_at":12345}`)
	dialer := &mock.Dialer{DialResult: mock.NewTransport()}

	o := New(broker, dialer, events.NewLog())

	err := o.Start(context.Background(), "", "")
	if err == nil {
		t.Fatal("start succeeded without a scoped credential")
	}
	if dialer.CallCountDial != 0 {
		t.Errorf("dial count = %d, want 0 (no transport before credential)", dialer.CallCountDial)
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}

func TestStartRejectedOfferSurfacesDiagnostic(t *testing.T) {
	broker := happyBroker()
	broker.respond("/session", func(_ string, _ []byte, _ http.Header) *http.Response {
		return newResponse(http.StatusBadGateway, "upstream rejected the offer")
	})
	transport := mock.NewTransport()

	o := New(broker, &mock.Dialer{DialResult: transport}, events.NewLog())

	err := o.Start(context.Background(), "", "")
	if err == nil {
		t.Fatal("start succeeded despite rejected offer")
	}
	if !strings.Contains(err.Error(), "upstream rejected the offer") {
		t.Errorf("err = %v, want diagnostic body included", err)
	}
	if transport.CallCountClose == 0 {
		t.Error("transport not closed after failed negotiation")
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}

func TestStartWhileLiveFails(t *testing.T) {
	broker := happyBroker()
	transport := mock.NewTransport()

	o := New(broker, &mock.Dialer{DialResult: transport}, events.NewLog())
	defer o.Stop()

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := o.Start(context.Background(), "", ""); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second start err = %v, want ErrSessionActive", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	o := New(newFakeBroker(), &mock.Dialer{}, events.NewLog())

	o.Stop()
	o.Stop()

	if got := o.State(); got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}

func TestStopTearsDownTransport(t *testing.T) {
	broker := happyBroker()
	transport := mock.NewTransport()

	o := New(broker, &mock.Dialer{DialResult: transport}, events.NewLog())
	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	o.Stop()

	if transport.CallCountClose == 0 {
		t.Error("transport not closed by stop")
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}

func TestStopClearsEventLog(t *testing.T) {
	broker := happyBroker()
	transport := mock.NewTransport()
	log := events.NewLog()

	o := New(broker, &mock.Dialer{DialResult: transport}, log)
	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.Channel.SimulateOpen()
	waitFor(t, "active state", func() bool { return o.State() == StateActive })

	o.SendText("hello")
	waitFor(t, "events logged", func() bool { return log.Len() > 0 })

	o.Stop()

	if got := log.Len(); got != 0 {
		t.Errorf("log len after stop = %d, want 0", got)
	}
}

func TestChannelOptionsForwardedToChannel(t *testing.T) {
	broker := happyBroker()
	transport := mock.NewTransport()

	o := New(broker, &mock.Dialer{DialResult: transport}, events.NewLog(),
		WithChannelOptions(events.WithIDGenerator(func() string { return "ev_fixed" })))
	defer o.Stop()

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.Channel.SimulateOpen()
	waitFor(t, "active state", func() bool { return o.State() == StateActive })

	o.Send(events.Event{Type: "response.create"})

	waitFor(t, "forwarded id generator used on the wire", func() bool {
		for _, s := range transport.Channel.SentStrings() {
			if strings.Contains(s, `"ev_fixed"`) {
				return true
			}
		}
		return false
	})
}

func TestSettingsFetchedOncePerEpoch(t *testing.T) {
	broker := happyBroker()

	o := New(broker, &mock.Dialer{DialResult: mock.NewTransport()}, events.NewLog())

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}
	o.Stop()
	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("second start: %v", err)
	}
	o.Stop()

	if n := broker.callCount("/system-prompt"); n != 1 {
		t.Errorf("prompt fetches = %d, want 1 within one epoch", n)
	}
	if n := broker.callCount("/voice"); n != 1 {
		t.Errorf("voice fetches = %d, want 1 within one epoch", n)
	}

	o.InvalidateSettings()
	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("third start: %v", err)
	}
	o.Stop()

	if n := broker.callCount("/system-prompt"); n != 2 {
		t.Errorf("prompt fetches after invalidation = %d, want exactly 2", n)
	}
	if n := broker.callCount("/voice"); n != 2 {
		t.Errorf("voice fetches after invalidation = %d, want exactly 2", n)
	}
}

func TestSettingsOverridesWin(t *testing.T) {
	broker := happyBroker()

	o := New(broker, &mock.Dialer{DialResult: mock.NewTransport()}, events.NewLog())
	defer o.Stop()

	if err := o.Start(context.Background(), "custom prompt", "marin"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := broker.sentHeader("/token", "x-system-prompt"); got != "custom prompt" {
		t.Errorf("x-system-prompt = %q, want override", got)
	}
	if got := broker.sentHeader("/token", "x-voice"); got != "marin" {
		t.Errorf("x-voice = %q, want override", got)
	}
	if got := o.CurrentSettings().Voice; got != "marin" {
		t.Errorf("current voice = %q, want marin", got)
	}
}

func TestSettingsFetchFailureDegradesToDefault(t *testing.T) {
	broker := happyBroker()
	broker.respondJSON("/system-prompt", http.StatusInternalServerError, `{"error":"boom"}`)
	broker.respondJSON("/voice", http.StatusInternalServerError, `{"error":"boom"}`)

	o := New(broker, &mock.Dialer{DialResult: mock.NewTransport()}, events.NewLog())
	defer o.Stop()

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start should tolerate settings failures: %v", err)
	}
	if got := broker.sentHeader("/token", "x-voice"); got != DefaultVoice {
		t.Errorf("x-voice = %q, want built-in default", got)
	}
	if got := broker.sentHeader("/token", "x-system-prompt"); got != "" {
		t.Errorf("x-system-prompt = %q, want omitted", got)
	}
}

func TestUpdateInstructionsSteersLiveSession(t *testing.T) {
	broker := happyBroker()
	transport := mock.NewTransport()

	o := New(broker, &mock.Dialer{DialResult: transport}, events.NewLog())
	defer o.Stop()

	if err := o.Start(context.Background(), "", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.Channel.SimulateOpen()
	waitFor(t, "active state", func() bool { return o.State() == StateActive })

	o.UpdateInstructions("speak slowly")

	waitFor(t, "session.update on the wire", func() bool {
		for _, s := range transport.Channel.SentStrings() {
			if strings.Contains(s, `"session.update"`) && strings.Contains(s, "speak slowly") {
				return true
			}
		}
		return false
	})
	if got := o.CurrentSettings().Instructions; got != "speak slowly" {
		t.Errorf("current instructions = %q, want updated value", got)
	}
}

func TestSendWithoutSessionDoesNotPanic(t *testing.T) {
	o := New(newFakeBroker(), &mock.Dialer{}, events.NewLog())

	o.Send(events.Event{Type: "x"})
	o.SendText("hello")
	o.UpdateInstructions("noop")
}
