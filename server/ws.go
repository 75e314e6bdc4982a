package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the session until the
// connection closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.begin() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Warnw("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}

	session := newSession(conn, r.RemoteAddr, s.config.SendBuffer)
	if !s.addSession(session) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay is shutting down"))
		conn.Close()
		return
	}
	zap.S().Infow("client connected",
		"conn", session.ID(),
		"remote", session.remote,
	)

	go s.writePump(session)
	s.readPump(session)
}

func (s *Server) readPump(session *Session) {
	defer func() {
		// Leave before dropping out of the broadcast set so the
		// user_left fan-out still sees everyone else.
		s.handleDisconnect(context.Background(), session)
		s.removeSession(session)
		session.close()
		session.conn.Close()
		zap.S().Infow("client disconnected",
			"conn", session.ID(),
			"remote", session.remote,
		)
	}()

	session.conn.SetReadLimit(s.config.MaxFrameSize)
	session.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	session.conn.SetPongHandler(func(string) error {
		session.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				zap.S().Warnw("websocket read error",
					"conn", session.ID(),
					"error", err,
				)
			}
			return
		}

		s.handleFrame(context.Background(), session, data)
	}
}

func (s *Server) writePump(session *Session) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		session.conn.Close()
	}()

	for {
		select {
		case message, ok := <-session.send:
			session.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if !ok {
				session.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := session.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zap.S().Debugw("websocket write failed",
					"conn", session.ID(),
					"error", err,
				)
				return
			}

		case <-ticker.C:
			session.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
