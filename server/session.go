package server

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/presence"
	"relay/protocol"
)

// Session is one websocket connection. It starts Unauthenticated; a
// successful authenticate binds it to an identity held in the registry.
// The registry owns the presence entry, the session only remembers the id.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	remote string

	mu       sync.Mutex
	closed   bool
	userID   int64
	username string
}

func newSession(conn *websocket.Conn, remote string, buffer int) *Session {
	return &Session{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, buffer),
		remote: remote,
	}
}

func (s *Session) ID() string { return s.id }

// Send queues env for the write pump. A full queue drops the frame.
func (s *Session) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return presence.ErrConnClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return presence.ErrSendFull
	}
}

func (s *Session) SendEnvelope(eventType protocol.EventType, data interface{}) error {
	env, err := protocol.NewEnvelope(eventType, data)
	if err != nil {
		return err
	}
	return s.Send(env)
}

func (s *Session) SendError(code, message string) {
	err := s.SendEnvelope(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		zap.S().Debugw("error event not delivered",
			"conn", s.id,
			"code", code,
			"error", err,
		)
	}
}

// Identity returns the bound identity, if authenticated.
func (s *Session) Identity() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID != 0
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) bind(id int64, username string) {
	s.mu.Lock()
	s.userID = id
	s.username = username
	s.mu.Unlock()
}

func (s *Session) unbind() {
	s.mu.Lock()
	s.userID = 0
	s.username = ""
	s.mu.Unlock()
}

// close stops accepting frames; the write pump drains and sends a close frame.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
