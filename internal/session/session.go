// Package session implements the per-client connection: one websocket, one
// monotonic session id, one outbound send pump, and the six-action command
// loop (spec.md §4.6). Grounded on the teacher's Client/serveWS pump
// pattern, generalised from a world-state broadcaster into a per-session
// command dispatcher with per-patient subscriptions instead of a single
// global broadcast group.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vitalstream/internal/activity"
	"vitalstream/internal/analysis"
	"vitalstream/internal/cache"
	"vitalstream/internal/chatbridge"
	"vitalstream/internal/dispatch"
	"vitalstream/internal/logging"
	"vitalstream/internal/patients"
	"vitalstream/internal/registry"
	"vitalstream/internal/snapshotstore"
)

const (
	writeWait       = 10 * time.Second
	pongWaitMul     = 2
	pingInterval    = 20 * time.Second
	sendBufferSize  = 32
	closeOverloaded = 4000
)

// Deps bundles every collaborator a Session needs, built once at server
// startup and shared across all connections.
type Deps struct {
	Cache       *cache.SampleCache
	Registry    *registry.Registry
	Activity    *activity.Tracker
	Analysis    *analysis.Bridge
	Snapshots   *snapshotstore.Store
	Patients    *patients.Repository
	Chat        chatbridge.Completer
	AcquireWait time.Duration
	Log         *logging.Logger
}

var nextID int64

// Session is one connected client: reader goroutine parses inbound frames
// into actions, writer goroutine drains an outbound Frame channel into the
// websocket, decompressing each frame's memory-optimisation codec back to
// plain JSON text before it hits the wire (spec.md §4.6, §9).
type Session struct {
	id      string
	traceID string
	conn    *websocket.Conn
	send    chan dispatch.Frame
	deps    Deps
	log     *logging.Logger
}

// ID satisfies registry.Session and dispatch.Sink.
func (s *Session) ID() string { return s.id }

// Send is the non-blocking outbound path the dispatch pool pushes through.
func (s *Session) Send(f dispatch.Frame) bool {
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// Manager admits new connections against a global MAX_CONNECTIONS cap and
// upgrades them into a running Session.
type Manager struct {
	deps           Deps
	maxConnections int32
	connected      int32
	upgrader       websocket.Upgrader
}

// NewManager constructs a Manager bounded by maxConnections.
func NewManager(deps Deps, maxConnections int) *Manager {
	if deps.Log == nil {
		deps.Log = logging.L()
	}
	return &Manager{
		deps:           deps,
		maxConnections: int32(maxConnections),
		upgrader:       websocket.Upgrader{},
	}
}

// ErrOverloaded is returned when the connection cap is already saturated.
var ErrOverloaded = errors.New("server overloaded")

// ServeHTTP upgrades r into a websocket session, enforcing the connection
// cap once the upgrade completes: a connection over the cap is closed with
// code 4000 and reason "Server overloaded".
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Pick up the per-request trace-scoped logger the HTTP trace middleware
	// attaches to r's context, if any, so session logs carry the same
	// trace id as the upgrade request's access log entry.
	connLog := logging.LoggerFromContext(r.Context())

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		connLog.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	if m.maxConnections > 0 && atomic.AddInt32(&m.connected, 1) > m.maxConnections {
		atomic.AddInt32(&m.connected, -1)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeOverloaded, "Server overloaded"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	id := atomic.AddInt64(&nextID, 1)
	s := &Session{
		id:      formatID(id),
		traceID: logging.TraceIDFromContext(r.Context()),
		conn:    conn,
		send:    make(chan dispatch.Frame, sendBufferSize),
		deps:    m.deps,
	}
	s.log = connLog.With(
		logging.String("session_id", s.id),
		logging.Int64("connection_seq", id),
		logging.Bool("capped", m.maxConnections > 0),
	)

	go func() {
		s.run()
		atomic.AddInt32(&m.connected, -1)
	}()
}

func formatID(id int64) string {
	return "sess-" + strconv.FormatInt(id, 10)
}

// run drives the reader/writer pump for the session's lifetime, ensuring a
// full unsubscribe happens exactly once regardless of how the session ends.
func (s *Session) run() {
	defer func() {
		s.deps.Registry.UnsubscribeAll(s)
		_ = s.conn.Close()
	}()

	waitDuration := pongWaitMul * pingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(waitDuration))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	done := make(chan struct{})
	go s.writePump(done)
	defer close(done)

	for {
		messageType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Warn("read deadline exceeded", logging.Error(err))
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("websocket read error", logging.Error(err))
			}
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil || envelope.Action == "" {
			s.log.Debug("dropping malformed inbound frame")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.deps.AcquireWait+5*time.Second)
		ctx = logging.ContextWithTraceID(ctx, s.traceID)
		s.dispatchAction(ctx, envelope.Action, msg)
		cancel()
	}
}

func (s *Session) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			raw, err := dispatch.Decode(frame)
			if err != nil {
				s.log.Error("failed to decode outbound frame", logging.Error(err))
				continue
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.log.Warn("websocket write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// sendJSON frames v as plain JSON and pushes it through the same outbound
// path dispatch events use, so every reply (push or one-shot) is subject to
// the same non-blocking backpressure policy.
func (s *Session) sendJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal reply frame", logging.Error(err))
		return
	}
	if !s.Send(dispatch.Frame{Data: raw}) {
		s.log.Warn("dropping reply: outbound buffer saturated")
	}
}
