package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"relay/metrics"
	"relay/models"
	"relay/presence"
	"relay/store"
)

type Server struct {
	store    store.Store
	registry *presence.Registry
	config   *ServerConfig
	metrics  *metrics.Metrics
	router   *Router
	bcast    *Broadcaster

	sessions map[string]*Session
	closing  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

type ServerConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	MaxFrameSize int64
	Metrics      bool
}

func (c *ServerConfig) withDefaults() *ServerConfig {
	out := *c
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 60 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 || out.PingInterval > out.ReadTimeout {
		out.PingInterval = out.ReadTimeout * 9 / 10
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = 256
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = 65536
	}
	return &out
}

// New wires a server around a registry and the store selected at startup.
// m may be nil.
func New(st store.Store, registry *presence.Registry, config *ServerConfig, m *metrics.Metrics) *Server {
	if config == nil {
		config = &ServerConfig{}
	}
	s := &Server{
		store:    st,
		registry: registry,
		config:   config.withDefaults(),
		metrics:  m,
		sessions: make(map[string]*Session),
	}
	s.router = NewRouter(registry, st, m)
	s.bcast = NewBroadcaster(s, m)
	return s
}

// Handler returns the HTTP surface: websocket endpoint, read API, health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("GET /api/messages/{userId1}/{userId2}", s.handleConversation)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil && s.config.Metrics {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return allowCORS(mux)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		next.ServeHTTP(w, r)
	})
}

// begin reserves a slot for a websocket handler. It fails once shutdown has
// started, so no handler is added while Shutdown waits.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) addSession(session *Session) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.sessions[session.ID()] = session
	s.mu.Unlock()
	s.metrics.SessionOpened()
	return true
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	_, ok := s.sessions[session.ID()]
	delete(s.sessions, session.ID())
	s.mu.Unlock()
	if ok {
		s.metrics.SessionClosed()
	}
}

func (s *Server) getSession(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Conns returns every open session, authenticated or not.
func (s *Server) Conns() []presence.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]presence.Conn, 0, len(s.sessions))
	for _, session := range s.sessions {
		conns = append(conns, session)
	}
	return conns
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	activeSessions := len(s.sessions)
	s.mu.RUnlock()

	entries := s.registry.Snapshot()
	users := make([]string, 0, len(entries))
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for _, e := range entries {
		users = append(users, strconv.FormatInt(e.ID, 10))
	}

	return "sessions=" + strconv.Itoa(activeSessions) +
		",online=" + strconv.Itoa(len(entries)) +
		",users=" + strings.Join(users, ";")
}

// Shutdown marks every present identity Offline, closes every session and
// waits for their handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range s.registry.Snapshot() {
		if !s.registry.Unregister(e.ID) {
			continue
		}
		if err := s.store.UpdateUserStatus(ctx, e.ID, models.StatusOffline, &now); err != nil {
			s.metrics.StoreError("update_status")
			errs = multierr.Append(errs, err)
		}
	}
	s.metrics.SetPresence(s.registry.Len())

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		session.unbind()
		session.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}

	zap.S().Infow("relay stopped",
		"sessions", len(sessions),
		"error", errs,
	)
	return errs
}
