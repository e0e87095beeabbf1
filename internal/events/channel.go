package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feldgren/voxwire/internal/observe"
	"github.com/feldgren/voxwire/pkg/rtc"
)

// Channel binds the event protocol to one live data channel. It owns the
// receive loop: every inbound message is parsed, stamped, and head-inserted
// into the log — consumers observe the log, never the raw channel.
//
// A Channel is single-use, created per session by the orchestrator.
type Channel struct {
	dc      rtc.DataChannel
	log     *Log
	metrics *observe.Metrics

	now    func() time.Time
	newID  func() string
	onOpen func()

	done chan struct{}
}

// Option configures a [Channel].
type Option func(*Channel)

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithIDGenerator overrides event_id generation. Used in tests.
func WithIDGenerator(gen func() string) Option {
	return func(c *Channel) { c.newID = gen }
}

// WithOnOpen registers a callback invoked once, when the data channel
// transitions to open — after the start-of-session log clear.
func WithOnOpen(fn func()) Option {
	return func(c *Channel) { c.onOpen = fn }
}

// New creates a Channel over dc, logging into log.
func New(dc rtc.DataChannel, log *Log, opts ...Option) *Channel {
	c := &Channel{
		dc:      dc,
		log:     log,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
		newID:   uuid.NewString,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the receive loop in a background goroutine. The loop waits
// for the channel to open, clears the log (no pre-session events leak in),
// fires the open callback, then consumes inbound messages until the channel
// or ctx ends.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done returns a channel closed when the receive loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	select {
	case <-c.dc.Opened():
	case <-ctx.Done():
		return
	}

	c.log.Clear()
	if c.onOpen != nil {
		c.onOpen()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.dc.Recv():
			if !ok {
				return
			}
			c.handleInbound(ctx, data)
		}
	}
}

func (c *Channel) handleInbound(ctx context.Context, data []byte) {
	e, err := Parse(data)
	if err != nil {
		slog.Warn("events: unparseable inbound message", "err", err)
		return
	}
	if !e.HasWireTimestamp() {
		e.Timestamp = c.now()
	}
	c.log.Append(e)
	c.metrics.RecordEventReceived(ctx, e.Type)
}

// Send assigns an event_id when absent, transmits e immediately, and only
// after transmission stamps the local timestamp and appends to the log.
// On a closed or absent channel the event is logged as an operator-visible
// error and dropped — events are never queued for later delivery.
func (c *Channel) Send(e Event) {
	if c.dc == nil {
		slog.Error("events: send failed — no data channel available", "type", e.Type)
		c.metrics.RecordEventSent(context.Background(), e.Type, "no_channel")
		return
	}
	if e.ID == "" {
		e.ID = c.newID()
	}

	data, err := e.WireBytes()
	if err != nil {
		slog.Error("events: send failed — marshal", "type", e.Type, "err", err)
		return
	}
	if err := c.dc.Send(data); err != nil {
		slog.Error("events: send failed — channel closed", "type", e.Type, "err", err)
		c.metrics.RecordEventSent(context.Background(), e.Type, "closed")
		return
	}

	// Timestamp strictly after transmission: the wire payload must never
	// carry the client-local display stamp.
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	c.log.Append(e)
	c.metrics.RecordEventSent(context.Background(), e.Type, "ok")
}

// SendText packages a user text turn as the fixed two-event macro: append a
// conversation item, then request a model turn.
func (c *Channel) SendText(message string) {
	c.Send(Event{
		Type: TypeConversationItemCreate,
		Payload: map[string]any{
			"item": map[string]any{
				"type": "message",
				"role": "user",
				"content": []any{
					map[string]any{"type": "input_text", "text": message},
				},
			},
		},
	})
	c.Send(Event{Type: TypeResponseCreate})
}

// UpdateInstructions sends a session.update event steering the live session
// without restarting negotiation.
func (c *Channel) UpdateInstructions(instructions string) {
	c.Send(Event{
		Type: TypeSessionUpdate,
		Payload: map[string]any{
			"session": map[string]any{"instructions": instructions},
		},
	})
}
