// Package mock provides in-memory mock implementations of the [rtc.Dialer],
// [rtc.PeerTransport], and [rtc.DataChannel] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	transport := mock.NewTransport()
//	dialer := &mock.Dialer{DialResult: transport}
//	// ... run the code under test ...
//	transport.Channel.SimulateOpen()
//	transport.Channel.Inject([]byte(`{"type":"session.created"}`))
package mock

import (
	"context"
	"sync"

	"github.com/feldgren/voxwire/pkg/rtc"
)

// Compile-time interface assertions.
var _ rtc.Dialer = (*Dialer)(nil)
var _ rtc.PeerTransport = (*Transport)(nil)
var _ rtc.DataChannel = (*DataChannel)(nil)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [rtc.Dialer].
type Dialer struct {
	mu sync.Mutex

	// DialResult is returned by Dial when DialError is nil.
	DialResult rtc.PeerTransport

	// DialError is returned by Dial when non-nil.
	DialError error

	// CallCountDial records how many times Dial was called.
	CallCountDial int
}

// Dial implements [rtc.Dialer].
func (d *Dialer) Dial(_ context.Context) (rtc.PeerTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDial++
	if d.DialError != nil {
		return nil, d.DialError
	}
	return d.DialResult, nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock implementation of [rtc.PeerTransport].
type Transport struct {
	mu sync.Mutex

	// Channel is the mock data channel returned by DataChannel.
	Channel *DataChannel

	// OfferSDP is returned by CreateOffer. Defaults to a minimal SDP stub.
	OfferSDP string

	// CreateOfferError, when non-nil, is returned by CreateOffer.
	CreateOfferError error

	// AcceptAnswerError, when non-nil, is returned by AcceptAnswer.
	AcceptAnswerError error

	// RemoteAnswer records the SDP passed to AcceptAnswer.
	RemoteAnswer string

	// CallCountCreateOffer, CallCountAcceptAnswer, and CallCountClose record
	// call counts for the respective methods.
	CallCountCreateOffer  int
	CallCountAcceptAnswer int
	CallCountClose        int
}

// NewTransport creates a Transport with a fresh mock [DataChannel].
func NewTransport() *Transport {
	return &Transport{
		Channel:  NewDataChannel(),
		OfferSDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=voxwire\r\n",
	}
}

// CreateOffer implements [rtc.PeerTransport].
func (t *Transport) CreateOffer(_ context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountCreateOffer++
	if t.CreateOfferError != nil {
		return "", t.CreateOfferError
	}
	return t.OfferSDP, nil
}

// AcceptAnswer implements [rtc.PeerTransport]. Records the answer SDP.
func (t *Transport) AcceptAnswer(_ context.Context, sdpAnswer string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountAcceptAnswer++
	if t.AcceptAnswerError != nil {
		return t.AcceptAnswerError
	}
	t.RemoteAnswer = sdpAnswer
	return nil
}

// DataChannel implements [rtc.PeerTransport]. Returns nil until CreateOffer
// has been called, mirroring real transports.
func (t *Transport) DataChannel() rtc.DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CallCountCreateOffer == 0 {
		return nil
	}
	return t.Channel
}

// Close implements [rtc.PeerTransport]. Closes the mock channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CallCountClose++
	ch := t.Channel
	t.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	return nil
}

// ─── DataChannel ──────────────────────────────────────────────────────────────

// DataChannel is a mock implementation of [rtc.DataChannel]. Tests drive it
// with [DataChannel.SimulateOpen] and [DataChannel.Inject] and inspect the
// Sent slice for outbound payloads.
type DataChannel struct {
	mu sync.Mutex

	// Sent records every payload passed to Send, in order.
	Sent [][]byte

	// SendError, when non-nil, is returned by Send even when open.
	SendError error

	open     bool
	closed   bool
	recv     chan []byte
	opened   chan struct{}
	openOnce sync.Once
	recvOnce sync.Once
}

// NewDataChannel creates a mock channel in the not-yet-open state.
func NewDataChannel() *DataChannel {
	return &DataChannel{
		recv:   make(chan []byte, 64),
		opened: make(chan struct{}),
	}
}

// SimulateOpen flips the channel to the open state and signals Opened.
func (dc *DataChannel) SimulateOpen() {
	dc.mu.Lock()
	dc.open = true
	dc.mu.Unlock()
	dc.openOnce.Do(func() { close(dc.opened) })
}

// Inject delivers an inbound message to Recv consumers. Panics if the
// channel has been closed — a test bug, not a runtime condition.
func (dc *DataChannel) Inject(data []byte) {
	dc.recv <- data
}

// Send implements [rtc.DataChannel]. Records the payload when open.
func (dc *DataChannel) Send(data []byte) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.open || dc.closed {
		return rtc.ErrClosed
	}
	if dc.SendError != nil {
		return dc.SendError
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	dc.Sent = append(dc.Sent, buf)
	return nil
}

// Recv implements [rtc.DataChannel].
func (dc *DataChannel) Recv() <-chan []byte { return dc.recv }

// Opened implements [rtc.DataChannel].
func (dc *DataChannel) Opened() <-chan struct{} { return dc.opened }

// Close implements [rtc.DataChannel]. Idempotent.
func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	dc.closed = true
	dc.open = false
	dc.mu.Unlock()
	dc.recvOnce.Do(func() { close(dc.recv) })
	return nil
}

// SentStrings returns the recorded payloads as strings, for assertions.
func (dc *DataChannel) SentStrings() []string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	out := make([]string, len(dc.Sent))
	for i, b := range dc.Sent {
		out[i] = string(b)
	}
	return out
}
