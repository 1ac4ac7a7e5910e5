// Package websocket implements the real-time state propagation fabric:
// sessions over gorilla websockets, per-scope subscription registries,
// periodic broadcast loops and the lifecycle event orchestrator.
package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/metrics"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Inbound frames are discarded,
	// so anything larger is abuse.
	maxMessageSize = 512

	// DefaultSendQueue is the outbound queue capacity per session.
	DefaultSendQueue = 64
)

// ErrSessionClosed is returned by Send once the session is closed.
var ErrSessionClosed = errors.New("session closed")

// SessionKey identifies a session for the lifetime of the process. Keys
// are allocated from a monotonic counter and never reused, so a stale key
// can never address a newer session.
type SessionKey uint64

var sessionKeyCounter atomic.Uint64

func nextSessionKey() SessionKey {
	return SessionKey(sessionKeyCounter.Add(1))
}

// Session owns one websocket connection. A single writer goroutine drains
// the outbound queue, which gives per-session ordering; everything else
// only enqueues.
type Session struct {
	key    SessionKey
	userID string
	scope  string
	conn    *websocket.Conn
	send    chan cherryd.Message
	done    chan struct{}
	once    sync.Once
	evictMu sync.Mutex

	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewSession wraps an upgraded connection. scope tags log lines and
// metrics with the subscription scope the session belongs to.
func NewSession(conn *websocket.Conn, userID, scope string, queueSize int, logger logging.Logger, m *metrics.Metrics) *Session {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	return &Session{
		key:     nextSessionKey(),
		userID:  userID,
		scope:   scope,
		conn:    conn,
		send:    make(chan cherryd.Message, queueSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Key returns the process-unique session key.
func (s *Session) Key() SessionKey { return s.key }

// UserID returns the authenticated account uuid.
func (s *Session) UserID() string { return s.userID }

// Alive reports whether the session can still accept sends.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Send enqueues one envelope with a fresh message uuid. It never blocks:
// when the queue is full, periodic data frames are dropped and counted,
// while lifecycle frames evict the oldest queued broadcast frame to make
// room, leaving queued lifecycle frames in place.
func (s *Session) Send(t cherryd.MessageType, body interface{}) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	msg := cherryd.Message{UUID: uuid.NewString(), Type: t, Body: body}

	select {
	case s.send <- msg:
		return nil
	default:
	}

	if !t.Lifecycle() {
		s.countDropped(t)
		return nil
	}

	// Lifecycle frames must not be lost to a slow peer; sacrifice the
	// oldest queued broadcast frame instead. Queued lifecycle frames are
	// kept and only evicted when the whole queue consists of them.
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	kept := make([]cherryd.Message, 0, cap(s.send))
	dropped := false
drain:
	for i := 0; i < cap(s.send); i++ {
		select {
		case old := <-s.send:
			if !dropped && !old.Type.Lifecycle() {
				s.countDropped(old.Type)
				dropped = true
				continue
			}
			kept = append(kept, old)
		default:
			break drain
		}
	}
	if !dropped && len(kept) > 0 {
		s.countDropped(kept[0].Type)
		kept = kept[1:]
	}
	for _, k := range kept {
		select {
		case s.send <- k:
		default:
			// Refilled concurrently; the frame has nowhere to go.
			s.countDropped(k.Type)
		}
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.countDropped(t)
		return nil
	}
}

func (s *Session) countDropped(t cherryd.MessageType) {
	if s.metrics != nil {
		s.metrics.MessagesDropped.WithLabelValues(s.scope, string(t)).Inc()
	}
}

// Close sends a close frame with the given code and tears the session
// down. Idempotent; safe to call concurrently with Send and the pumps.
func (s *Session) Close(code int, reason string) {
	if !s.Alive() {
		return
	}
	if s.conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
	}
	s.markClosed()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) markClosed() {
	s.once.Do(func() { close(s.done) })
}

// Listen runs the session pumps and blocks until the peer disconnects or
// the session is closed. Inbound frames are read for liveness only and
// discarded; the channel is server-push only.
func (s *Session) Listen() {
	go s.writePump()
	defer func() {
		s.markClosed()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).WithFields(logging.Fields{
					"scope":   s.scope,
					"user_id": s.userID,
				}).Debug("Websocket read failed")
			}
			return
		}
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. It is the only goroutine writing data frames.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.markClosed()
				return
			}
			if s.metrics != nil {
				s.metrics.MessagesSent.WithLabelValues(s.scope, string(msg.Type)).Inc()
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.markClosed()
				return
			}
		case <-s.done:
			return
		}
	}
}
