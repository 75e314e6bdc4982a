package server

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"relay/models"
	"relay/presence"
	"relay/protocol"
)

// handleFrame dispatches one inbound frame. Each frame is handled to
// completion before the next is read from the same connection.
func (s *Server) handleFrame(ctx context.Context, session *Session, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		session.SendError(protocol.ErrCodeInvalidMsg, "Invalid message format")
		return
	}

	switch env.Type {
	case protocol.TypeAuthenticate:
		s.handleAuthenticate(ctx, session, env)
	case protocol.TypeSendMessage:
		s.handleSendMessage(ctx, session, env)
	case protocol.TypeChangeStatus:
		s.handleChangeStatus(ctx, session, env)
	default:
		session.SendError(protocol.ErrCodeUnknownEvent, "Unknown event type")
	}
}

// handleAuthenticate binds session to the claimed identity. No credential
// is verified.
//
// The registry is updated before the store upsert is awaited. A concurrent
// leave for the same identity on another connection can interleave with that
// await, so the store may briefly say Online for an identity that has gone.
// This weak consistency is accepted.
func (s *Server) handleAuthenticate(ctx context.Context, session *Session, env *protocol.Envelope) {
	var p protocol.AuthenticatePayload
	if err := protocol.Decode(env, &p); err != nil {
		session.SendError(protocol.ErrCodeInvalidMsg, "Authentication failed: "+err.Error())
		return
	}

	// Switching identity on one connection leaves the previous one first.
	if prev, ok := session.Identity(); ok && prev != p.UserID {
		s.leave(ctx, session, prev)
	}

	entry, displaced := s.registry.Register(p.UserID, p.Username, p.Avatar, session)
	session.bind(p.UserID, p.Username)
	s.metrics.SetPresence(s.registry.Len())

	if displaced != nil {
		if old, ok := s.getSession(displaced.ID()); ok {
			old.unbind()
			old.SendError(protocol.ErrCodeReplaced, "Identity bound by another connection")
		}
		zap.S().Infow("identity moved to a new connection",
			"user", p.UserID,
			"from", displaced.ID(),
			"to", session.ID(),
		)
	}

	if err := s.store.UpsertUser(ctx, entry.User()); err != nil {
		s.metrics.StoreError("upsert_user")
		zap.S().Warnw("store error during authentication",
			"conn", session.ID(),
			"user", p.UserID,
			"error", err,
		)
	}

	roster := lo.Map(s.registry.SnapshotExcluding(p.UserID), func(e presence.Entry, _ int) protocol.PeerPayload {
		return e.Peer()
	})
	if err := session.SendEnvelope(protocol.TypeUserList, roster); err != nil {
		zap.S().Debugw("user list not delivered", "conn", session.ID(), "error", err)
	}

	joined, err := protocol.NewEnvelope(protocol.TypeUserJoined, entry.Peer())
	if err == nil {
		s.bcast.BroadcastExcluding(joined, session)
	}

	zap.S().Infow("user authenticated",
		"conn", session.ID(),
		"user", p.UserID,
		"username", p.Username,
	)
}

// handleSendMessage routes a direct message. The sender gets no acknowledgment
// and no error when the receiver is offline.
func (s *Server) handleSendMessage(ctx context.Context, session *Session, env *protocol.Envelope) {
	if _, ok := session.Identity(); !ok {
		session.SendError(protocol.ErrCodeUnauthorized, "Not authenticated")
		return
	}

	var p protocol.SendMessagePayload
	if err := protocol.Decode(env, &p); err != nil {
		session.SendError(protocol.ErrCodeInvalidMsg, "Failed to send message: "+err.Error())
		return
	}

	msg := models.Message{
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
	}
	if p.Timestamp != nil {
		msg.Timestamp = p.Timestamp.UTC()
	}

	routed, delivery := s.router.Route(ctx, msg)
	zap.S().Debugw("message routed",
		"id", routed.ID,
		"sender", routed.SenderID,
		"receiver", routed.ReceiverID,
		"delivery", delivery.String(),
	)
}

// handleChangeStatus updates a present identity and tells everyone,
// the originator included. Unknown identities are ignored.
func (s *Server) handleChangeStatus(ctx context.Context, session *Session, env *protocol.Envelope) {
	if _, ok := session.Identity(); !ok {
		session.SendError(protocol.ErrCodeUnauthorized, "Not authenticated")
		return
	}

	var p protocol.ChangeStatusPayload
	if err := protocol.Decode(env, &p); err != nil {
		session.SendError(protocol.ErrCodeInvalidMsg, "Failed to change status: "+err.Error())
		return
	}

	if !s.registry.SetStatus(p.UserID, p.Status) {
		return
	}

	if err := s.store.UpdateUserStatus(ctx, p.UserID, p.Status, nil); err != nil {
		s.metrics.StoreError("update_status")
		zap.S().Warnw("store error updating status",
			"conn", session.ID(),
			"user", p.UserID,
			"error", err,
		)
	}

	s.bcast.BroadcastStatus(p.UserID, p.Status)
	zap.S().Infow("user status changed",
		"user", p.UserID,
		"status", p.Status,
	)
}

// handleDisconnect runs once the transport is gone. A session that never
// authenticated, or whose identity moved elsewhere, does nothing.
func (s *Server) handleDisconnect(ctx context.Context, session *Session) {
	id, ok := session.Identity()
	if !ok {
		return
	}
	s.leave(ctx, session, id)
}

// leave releases id from session, records it Offline and announces it.
// It is a no-op when session no longer owns id.
func (s *Server) leave(ctx context.Context, session *Session, id int64) {
	if !s.registry.Release(id, session) {
		return
	}
	username := session.Username()
	session.unbind()
	s.metrics.SetPresence(s.registry.Len())

	now := time.Now().UTC()
	if err := s.store.UpdateUserStatus(ctx, id, models.StatusOffline, &now); err != nil {
		s.metrics.StoreError("update_status")
		zap.S().Warnw("store error during disconnect",
			"conn", session.ID(),
			"user", id,
			"error", err,
		)
	}

	left, err := protocol.NewEnvelope(protocol.TypeUserLeft, protocol.UserLeftPayload{UserID: id})
	if err != nil {
		return
	}
	s.bcast.BroadcastExcluding(left, session)
	zap.S().Infow("user left",
		"conn", session.ID(),
		"user", id,
		"username", username,
	)
}
