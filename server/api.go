package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handleListUsers serves every known user. If the durable store fails the
// live registry is served instead.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.metrics.StoreError("list_users")
		zap.S().Warnw("failed to fetch users, serving live set",
			"store", s.store.Mode(),
			"error", err,
		)
		users = s.registry.LiveUsers()
	}
	writeJSON(w, http.StatusOK, users)
}

// handleConversation serves the messages between two identities, oldest first.
// The stores wired at startup degrade to the in-memory log instead of failing;
// an error here comes from a store without that fallback.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	a, errA := strconv.ParseInt(r.PathValue("userId1"), 10, 64)
	b, errB := strconv.ParseInt(r.PathValue("userId2"), 10, 64)
	if errA != nil || errB != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user ids must be integers"})
		return
	}

	messages, err := s.store.ListConversation(r.Context(), a, b)
	if err != nil {
		s.metrics.StoreError("list_conversation")
		zap.S().Errorw("failed to fetch messages",
			"a", a,
			"b", b,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch messages"})
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{Status: "ok", Store: s.store.Mode()}
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			zap.S().Warnw("store is not responding", "error", err)
			res.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Debugw("failed to write response", "error", err)
	}
}
