// Package monitor serves the local debug surface: a loopback HTTP endpoint
// that replays the session event log and streams new events to observers
// over a WebSocket. It exposes session history the way the event log stores
// it; observers never touch the raw data channel.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/feldgren/voxwire/internal/events"
	"github.com/feldgren/voxwire/internal/health"
)

// subscribeBuffer is the per-observer event buffer. A observer that cannot
// keep up misses events rather than stalling the session.
const subscribeBuffer = 256

// frame is the JSON shape streamed to observers.
type frame struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func toFrame(e events.Event) frame {
	f := frame{Type: e.Type, EventID: e.ID, Payload: e.Payload}
	if !e.Timestamp.IsZero() {
		f.Timestamp = e.Timestamp.Format(time.RFC3339Nano)
	}
	return f
}

// Server is the debug surface over a shared event log.
type Server struct {
	log *events.Log
}

// New creates a monitor Server observing log.
func New(log *events.Log) *Server {
	return &Server{log: log}
}

// Handler builds the monitor route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "event_log", Check: s.checkLog},
	).Register(mux)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// checkLog verifies the event log backing /events is attached.
func (s *Server) checkLog(_ context.Context) error {
	if s.log == nil {
		return errors.New("monitor: no event log attached")
	}
	return nil
}

// Run serves the monitor on addr until ctx is cancelled.
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleEvents upgrades to a WebSocket, replays the current log oldest
// first, then streams every new event until the observer disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("monitor: websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := r.Context()

	// Subscribe before replaying so no event falls between snapshot and
	// stream. Events seen in both are deduplicated by ID below.
	updates, cancel := s.log.Subscribe(subscribeBuffer)
	defer cancel()

	snapshot := s.log.Snapshot()
	seen := make(map[string]bool, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		if err := writeFrame(ctx, conn, snapshot[i]); err != nil {
			return
		}
		if snapshot[i].ID != "" {
			seen[snapshot[i].ID] = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "monitor shutting down")
			return
		case e, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "log closed")
				return
			}
			if e.ID != "" && seen[e.ID] {
				delete(seen, e.ID)
				continue
			}
			if err := writeFrame(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(toFrame(e))
	if err != nil {
		slog.Warn("monitor: marshal frame", "err", err, "type", e.Type)
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
