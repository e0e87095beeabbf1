// Package pion provides the production [rtc.PeerTransport] implementation
// backed by pion/webrtc. Each transport owns one peer connection with a
// single Opus audio track fed from an [rtc.AudioSource] and exactly one
// data channel carrying the session event protocol.
package pion

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/feldgren/voxwire/pkg/rtc"
)

// Compile-time interface assertions.
var _ rtc.Dialer = (*Dialer)(nil)
var _ rtc.PeerTransport = (*Transport)(nil)
var _ rtc.DataChannel = (*dataChannel)(nil)

// channelLabel is the data channel label the realtime provider expects.
const channelLabel = "oai-events"

// Option configures a [Dialer].
type Option func(*Dialer)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(d *Dialer) { d.stunServers = servers }
}

// WithAudioSink sets the consumer for remote audio. Defaults to discarding.
func WithAudioSink(sink rtc.AudioSink) Option {
	return func(d *Dialer) { d.sink = sink }
}

// Dialer constructs pion-backed transports. The source is captured afresh
// for every Dial, matching the one-transport-per-negotiation model.
type Dialer struct {
	source      rtc.AudioSource
	sink        rtc.AudioSink
	stunServers []string
}

// NewDialer creates a Dialer that captures local audio from source.
func NewDialer(source rtc.AudioSource, opts ...Option) *Dialer {
	d := &Dialer{
		source:      source,
		sink:        rtc.DiscardSink{},
		stunServers: []string{"stun:stun.l.google.com:19302"},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial creates a new unnegotiated transport.
func (d *Dialer) Dial(_ context.Context) (rtc.PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: d.stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("pion: create peer connection: %w", err)
	}

	t := &Transport{
		pc:     pc,
		source: d.source,
		sink:   d.sink,
	}
	pc.OnTrack(t.handleRemoteTrack)
	return t, nil
}

// Transport implements [rtc.PeerTransport] over a pion peer connection.
type Transport struct {
	pc     *webrtc.PeerConnection
	source rtc.AudioSource
	sink   rtc.AudioSink

	mu       sync.Mutex
	dc       *dataChannel
	track    *webrtc.TrackLocalStaticSample
	pumpStop context.CancelFunc
	closed   bool
}

// CreateOffer captures the local audio input, opens the data channel, and
// produces the local SDP offer with ICE candidates gathered.
func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", rtc.ErrClosed
	}
	t.mu.Unlock()

	frames, err := t.source.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("pion: acquire audio input: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: opusChannels},
		"audio", "voxwire",
	)
	if err != nil {
		return "", fmt.Errorf("pion: create audio track: %w", err)
	}
	if _, err := t.pc.AddTrack(track); err != nil {
		return "", fmt.Errorf("pion: add audio track: %w", err)
	}

	raw, err := t.pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("pion: create data channel: %w", err)
	}
	dc := wrapDataChannel(raw)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("pion: create offer: %w", err)
	}

	// Wait for ICE gathering so the offer we hand out is complete; the SDP
	// travels over a single HTTP exchange with no trickle path.
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("pion: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.dc = dc
	t.track = track
	t.pumpStop = cancel
	t.mu.Unlock()

	go pumpOutbound(pumpCtx, frames, track)

	local := t.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("pion: no local description after gathering")
	}
	return local.SDP, nil
}

// AcceptAnswer applies the remote SDP answer.
func (t *Transport) AcceptAnswer(_ context.Context, sdpAnswer string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rtc.ErrClosed
	}
	t.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpAnswer}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("pion: set remote description: %w", err)
	}
	return nil
}

// DataChannel returns the transport's data channel. Nil before CreateOffer.
func (t *Transport) DataChannel() rtc.DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dc == nil {
		return nil
	}
	return t.dc
}

// Close tears the transport down: data channel, outbound media, peer
// connection. Every step runs regardless of how far negotiation got.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	dc := t.dc
	stop := t.pumpStop
	t.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if stop != nil {
		stop()
	}
	_ = t.source.Close()
	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("pion: close peer connection: %w", err)
	}
	return nil
}

// ── data channel ──────────────────────────────────────────────────────────────

// dataChannel adapts *webrtc.DataChannel to [rtc.DataChannel]. Inbound
// messages flow through an internal inbox drained by a forwarding
// goroutine, which is the only writer allowed to close recv — pion
// callbacks never touch a channel that may already be closed.
type dataChannel struct {
	raw    *webrtc.DataChannel
	inbox  chan []byte
	recv   chan []byte
	opened chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	open      bool
	closed    bool
	openOnce  sync.Once
	closeOnce sync.Once
}

func wrapDataChannel(raw *webrtc.DataChannel) *dataChannel {
	dc := &dataChannel{
		raw:    raw,
		inbox:  make(chan []byte, 64),
		recv:   make(chan []byte),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	raw.OnOpen(func() {
		dc.mu.Lock()
		dc.open = true
		dc.mu.Unlock()
		dc.openOnce.Do(func() { close(dc.opened) })
	})
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case dc.inbox <- msg.Data:
		case <-dc.done:
		}
	})
	raw.OnClose(func() {
		dc.markClosed()
	})
	go dc.forward()
	return dc
}

// forward moves messages from the inbox to the consumer-facing recv
// channel. On shutdown it drains what already arrived, then closes recv.
func (dc *dataChannel) forward() {
	defer close(dc.recv)
	for {
		select {
		case msg := <-dc.inbox:
			select {
			case dc.recv <- msg:
			case <-dc.done:
				return
			}
		case <-dc.done:
			for {
				select {
				case msg := <-dc.inbox:
					select {
					case dc.recv <- msg:
					default:
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (dc *dataChannel) markClosed() {
	dc.mu.Lock()
	dc.closed = true
	dc.open = false
	dc.mu.Unlock()
	dc.closeOnce.Do(func() { close(dc.done) })
}

// Send transmits one message. Returns [rtc.ErrClosed] unless the channel is
// currently open.
func (dc *dataChannel) Send(data []byte) error {
	dc.mu.Lock()
	ok := dc.open && !dc.closed
	dc.mu.Unlock()
	if !ok {
		return rtc.ErrClosed
	}
	if err := dc.raw.Send(data); err != nil {
		return fmt.Errorf("pion: data channel send: %w", err)
	}
	return nil
}

func (dc *dataChannel) Recv() <-chan []byte { return dc.recv }

func (dc *dataChannel) Opened() <-chan struct{} { return dc.opened }

// Close closes the underlying channel. Idempotent.
func (dc *dataChannel) Close() error {
	dc.markClosed()
	return dc.raw.Close()
}
