package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/feldgren/voxwire/pkg/rtc/mock"
)

// startedChannel builds a Channel over a mock data channel and blocks until
// the open handling (including the log clear) has run.
func startedChannel(t *testing.T, opts ...Option) (*Channel, *mock.DataChannel, *Log) {
	t.Helper()
	dc := mock.NewDataChannel()
	log := NewLog()

	opened := make(chan struct{})
	opts = append(opts, WithOnOpen(func() { close(opened) }))
	c := New(dc, log, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	dc.SimulateOpen()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never opened")
	}
	return c, dc, log
}

func waitForLen(t *testing.T, log *Log, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if log.Len() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d log entries (have %d)", n, log.Len())
}

func TestSendAssignsIDAndStampsAfterTransmission(t *testing.T) {
	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, dc, log := startedChannel(t,
		WithClock(func() time.Time { return stamp }),
		WithIDGenerator(func() string { return "gen-1" }))

	c.Send(Event{Type: "x"})

	sent := dc.SentStrings()
	if len(sent) != 1 {
		t.Fatalf("sent = %d payloads, want 1", len(sent))
	}

	// The wire payload carries type and event_id but never the timestamp.
	var wire map[string]any
	if err := json.Unmarshal([]byte(sent[0]), &wire); err != nil {
		t.Fatalf("unmarshal wire payload: %v", err)
	}
	if wire["type"] != "x" || wire["event_id"] != "gen-1" {
		t.Errorf("wire payload = %v", wire)
	}
	if _, ok := wire["timestamp"]; ok {
		t.Error("timestamp leaked onto the wire")
	}

	// The log entry has the timestamp assigned locally after transmission.
	head := log.Snapshot()[0]
	if head.ID != "gen-1" {
		t.Errorf("log ID = %q, want gen-1", head.ID)
	}
	if !head.Timestamp.Equal(stamp) {
		t.Errorf("log timestamp = %v, want %v", head.Timestamp, stamp)
	}
}

func TestSendKeepsExistingID(t *testing.T) {
	c, dc, _ := startedChannel(t, WithIDGenerator(func() string { return "gen" }))

	c.Send(Event{Type: "x", ID: "caller-id"})

	var wire map[string]any
	_ = json.Unmarshal(dc.Sent[0], &wire)
	if wire["event_id"] != "caller-id" {
		t.Errorf("event_id = %v, want caller-supplied value", wire["event_id"])
	}
}

func TestSendOnClosedChannelDropsWithoutPanic(t *testing.T) {
	c, dc, log := startedChannel(t)
	dc.Close()

	c.Send(Event{Type: "x"})

	if got := log.Len(); got != 0 {
		t.Errorf("log len = %d, want 0 — dropped events must not be logged as sent", got)
	}
}

func TestSendWithoutChannelDropsWithoutPanic(t *testing.T) {
	c := New(nil, NewLog())
	c.Send(Event{Type: "x"})
}

func TestOpenClearsLogAndFiresCallback(t *testing.T) {
	dc := mock.NewDataChannel()
	log := NewLog()
	log.Append(Event{Type: "pre-session", ID: "stale"})

	opened := make(chan struct{})
	c := New(dc, log, WithOnOpen(func() { close(opened) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	dc.SimulateOpen()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("open callback never fired")
	}
	if got := log.Len(); got != 0 {
		t.Errorf("log len after open = %d, want 0", got)
	}
}

func TestInboundStampedAndHeadInserted(t *testing.T) {
	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, dc, log := startedChannel(t, WithClock(func() time.Time { return stamp }))

	dc.Inject([]byte(`{"type":"response.done","event_id":"r1"}`))
	dc.Inject([]byte(`{"type":"response.created","event_id":"r2"}`))
	waitForLen(t, log, 2)

	snapshot := log.Snapshot()
	if snapshot[0].ID != "r2" || snapshot[1].ID != "r1" {
		t.Errorf("order = %q,%q; want most recent first", snapshot[0].ID, snapshot[1].ID)
	}
	if !snapshot[0].Timestamp.Equal(stamp) {
		t.Errorf("receipt timestamp = %v, want %v", snapshot[0].Timestamp, stamp)
	}
}

func TestInboundMalformedSkipped(t *testing.T) {
	_, dc, log := startedChannel(t)

	dc.Inject([]byte(`{not json`))
	dc.Inject([]byte(`{"no_type":true}`))
	dc.Inject([]byte(`{"type":"ok","event_id":"good"}`))
	waitForLen(t, log, 1)

	if got := log.Snapshot()[0].ID; got != "good" {
		t.Errorf("surviving event = %q, want good", got)
	}
	if got := log.Len(); got != 1 {
		t.Errorf("log len = %d, want 1 — malformed messages must be skipped", got)
	}
}

func TestMixedSendReceiveOrdering(t *testing.T) {
	c, dc, log := startedChannel(t)

	c.Send(Event{Type: "a", ID: "s1"})
	dc.Inject([]byte(`{"type":"b","event_id":"r1"}`))
	waitForLen(t, log, 2)
	c.Send(Event{Type: "c", ID: "s2"})
	waitForLen(t, log, 3)

	snapshot := log.Snapshot()
	want := []string{"s2", "r1", "s1"}
	for i, id := range want {
		if snapshot[i].ID != id {
			t.Errorf("snapshot[%d] = %q, want %q", i, snapshot[i].ID, id)
		}
	}
}

func TestSendTextMacro(t *testing.T) {
	c, dc, _ := startedChannel(t)

	c.SendText("hello there")

	sent := dc.SentStrings()
	if len(sent) != 2 {
		t.Fatalf("sent = %d payloads, want the fixed two-event macro", len(sent))
	}

	var first map[string]any
	_ = json.Unmarshal([]byte(sent[0]), &first)
	if first["type"] != TypeConversationItemCreate {
		t.Errorf("first event type = %v", first["type"])
	}
	item, _ := first["item"].(map[string]any)
	if item["role"] != "user" {
		t.Errorf("item role = %v, want user", item["role"])
	}

	var second map[string]any
	_ = json.Unmarshal([]byte(sent[1]), &second)
	if second["type"] != TypeResponseCreate {
		t.Errorf("second event type = %v", second["type"])
	}
}

func TestUpdateInstructionsPayload(t *testing.T) {
	c, dc, _ := startedChannel(t)

	c.UpdateInstructions("be brief")

	var wire map[string]any
	_ = json.Unmarshal(dc.Sent[0], &wire)
	if wire["type"] != TypeSessionUpdate {
		t.Errorf("type = %v", wire["type"])
	}
	sess, _ := wire["session"].(map[string]any)
	if sess["instructions"] != "be brief" {
		t.Errorf("instructions = %v", sess["instructions"])
	}
}

func TestParseKeepsWireTimestampInPayload(t *testing.T) {
	e, err := Parse([]byte(`{"type":"x","timestamp":"10:00:00"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.HasWireTimestamp() {
		t.Error("wire timestamp not detected")
	}
	if got := e.Payload["timestamp"]; got != "10:00:00" {
		t.Errorf("payload timestamp = %v, want kept verbatim", got)
	}
	if !e.Timestamp.IsZero() {
		t.Errorf("timestamp = %v, want unset until local stamping", e.Timestamp)
	}
}
