// Package rtc defines the interfaces and types for the live realtime
// transport: the peer connection, its bidirectional data channel, and the
// audio endpoints attached to it.
//
// The two primary abstractions are:
//
//   - [Dialer] — constructs a fresh [PeerTransport] for one negotiation
//     attempt.
//   - [PeerTransport] — one peer connection: SDP offer/answer negotiation,
//     exactly one data channel, and an outbound audio track.
//
// Concrete implementations live in subpackages (rtc/pion for the real
// WebRTC stack, rtc/mock for tests). The interfaces are intentionally
// narrow to keep the session orchestrator decoupled from the underlying
// media stack.
package rtc

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a transport or data channel that
// has been closed.
var ErrClosed = errors.New("rtc: closed")

// DataChannel is the single bidirectional message channel on a live
// transport. Messages are opaque byte payloads; framing and semantics
// belong to the caller.
//
// Implementations must be safe for concurrent use.
type DataChannel interface {
	// Send transmits one message immediately. Messages are never queued:
	// sending on a channel that is not open returns [ErrClosed].
	Send(data []byte) error

	// Recv returns the channel delivering inbound messages. It is closed
	// when the data channel closes. No inbound message is ever dropped.
	Recv() <-chan []byte

	// Opened returns a channel that is closed once the data channel
	// transitions to the open state.
	Opened() <-chan struct{}

	// Close closes the data channel. Idempotent.
	Close() error
}

// PeerTransport abstracts one peer connection. A transport is single-use:
// it is created for one negotiation and discarded on close.
//
// Implementations must be safe for concurrent use.
type PeerTransport interface {
	// CreateOffer captures the local audio input, opens the data channel,
	// generates the local SDP offer, and sets it as the local description.
	CreateOffer(ctx context.Context) (sdpOffer string, err error)

	// AcceptAnswer applies the remote peer's SDP answer as the remote
	// description. Only after this succeeds is the transport considered
	// negotiated; data-channel usability is signalled separately via
	// [DataChannel.Opened].
	AcceptAnswer(ctx context.Context, sdpAnswer string) error

	// DataChannel returns the transport's single data channel. Valid after
	// CreateOffer has returned.
	DataChannel() DataChannel

	// Close tears down the data channel, stops all outbound media tracks,
	// and closes the peer connection. Each step is attempted regardless of
	// whether earlier steps had anything to act on; Close on a transport
	// that never finished negotiating must not fail. Idempotent.
	Close() error
}

// Dialer constructs transports. Each Dial returns a fresh, unnegotiated
// [PeerTransport].
type Dialer interface {
	Dial(ctx context.Context) (PeerTransport, error)
}
