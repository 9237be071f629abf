package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"antivibe/internal/orchestrator"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

// EventMessage is one frame of the build event stream.
type EventMessage struct {
	Type      string         `json:"type"`
	BuildID   string         `json:"build_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// BroadcastFunc delivers one build event to a listener.
type BroadcastFunc func(buildID string, msgType string, data map[string]any) error

// fsmBridge forwards machine transitions to a broadcast function. It replays
// the transitions made before it attached, then follows live ones until the
// machine is terminal.
type fsmBridge struct {
	machine   *orchestrator.Machine
	broadcast BroadcastFunc
	sub       <-chan orchestrator.Transition
	logger    *zap.Logger
}

func newFSMBridge(m *orchestrator.Machine, fn BroadcastFunc, logger *zap.Logger) *fsmBridge {
	return &fsmBridge{
		machine:   m,
		broadcast: fn,
		sub:       m.Subscribe(128),
		logger:    logger,
	}
}

// run forwards until the machine finishes, stop is closed, or a send fails.
func (b *fsmBridge) run(stop <-chan struct{}) {
	defer b.machine.Unsubscribe(b.sub)

	seen := make(map[string]bool)
	for _, t := range b.machine.History() {
		seen[t.ID] = true
		if err := b.forward(t); err != nil {
			return
		}
	}
	for {
		select {
		case <-stop:
			return
		case t, ok := <-b.sub:
			if !ok {
				return
			}
			if seen[t.ID] {
				continue
			}
			if err := b.forward(t); err != nil {
				return
			}
		}
	}
}

func (b *fsmBridge) forward(t orchestrator.Transition) error {
	data := map[string]any{
		"transition_id": t.ID,
		"from_state":    string(t.From),
		"to_state":      string(t.To),
		"event":         string(t.Event),
		"repair_count":  t.RepairCount,
		"step_id":       t.StepID,
		"duration_ms":   t.DurationMs,
		"timestamp":     t.Timestamp.Format(time.RFC3339Nano),
	}
	if t.Error != "" {
		data["error"] = t.Error
	}
	if t.Reason != "" {
		data["reason"] = string(t.Reason)
	}
	snap := b.machine.Snapshot()
	data["progress"] = snap.Progress
	data["fsm_state"] = string(snap.State)
	data["elapsed_ms"] = snap.ElapsedMs

	if err := b.broadcast(t.BuildID, EventType(t.Event), data); err != nil {
		b.logger.Debug("event listener gone", zap.String("build_id", t.BuildID), zap.Error(err))
		return err
	}
	return nil
}

// EventType maps a machine event to its stream message type.
func EventType(event orchestrator.Event) string {
	return "build:fsm:" + string(event)
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, a := range allowed {
				if strings.TrimSpace(a) == origin || a == "*" {
					return true
				}
			}
			return false
		},
	}
}

// streamEvents writes b's transitions to conn until the build finishes or
// the peer goes away. The connection is closed on return.
func (s *Server) streamEvents(conn *websocket.Conn, b *Build) {
	defer conn.Close()

	// The read side only services pongs and notices a closed peer.
	gone := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", zap.String("build_id", b.ID), zap.Error(err))
				}
				return
			}
		}
	}()

	frames := make(chan EventMessage, 128)
	stop := make(chan struct{})
	bridge := newFSMBridge(b.Session.Machine, func(buildID, msgType string, data map[string]any) error {
		select {
		case frames <- EventMessage{Type: msgType, BuildID: buildID, Data: data, Timestamp: time.Now()}:
			return nil
		case <-stop:
			return websocket.ErrCloseSent
		}
	}, s.logger)
	go func() {
		defer close(frames)
		bridge.run(stop)
	}()
	defer close(stop)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.writeFinal(conn, b)
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// writeFinal sends the build outcome and a normal close frame.
func (s *Server) writeFinal(conn *websocket.Conn, b *Build) {
	select {
	case <-b.Done():
	case <-time.After(writeWait):
	}
	view := b.View()
	msg := EventMessage{
		Type:      "build:" + view.Status,
		BuildID:   b.ID,
		Data:      map[string]any{"build": view},
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build finished"))
}
