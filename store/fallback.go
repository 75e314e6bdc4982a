package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relay/models"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Fallback puts a durable store in front of the ephemeral log. Every routed
// message is also kept in memory, so reads answer from the log whenever the
// durable store fails. Writes are never retried.
type Fallback struct {
	durable Store
	log     *Memory
}

func NewFallback(durable Store, roster Roster) *Fallback {
	return &Fallback{durable: durable, log: NewMemory(roster)}
}

func (f *Fallback) Mode() string { return f.durable.Mode() }

func (f *Fallback) UpsertUser(ctx context.Context, user models.User) error {
	return f.durable.UpsertUser(ctx, user)
}

func (f *Fallback) UpdateUserStatus(ctx context.Context, id int64, status models.Status, lastSeen *time.Time) error {
	return f.durable.UpdateUserStatus(ctx, id, status, lastSeen)
}

// InsertMessage persists msg durably and always logs it in memory. A durable
// failure is returned after the memory append, with the memory id.
func (f *Fallback) InsertMessage(ctx context.Context, msg models.Message) (int64, error) {
	id, err := f.durable.InsertMessage(ctx, msg)
	if err != nil {
		msg.ID = 0
		return f.log.record(msg), err
	}
	msg.ID = id
	f.log.record(msg)
	return id, nil
}

func (f *Fallback) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := f.durable.ListUsers(ctx)
	if err != nil {
		zap.S().Warnw("durable store failed, listing live users",
			"op", "list_users",
			"error", err,
		)
		return f.log.ListUsers(ctx)
	}
	return users, nil
}

func (f *Fallback) ListConversation(ctx context.Context, a, b int64) ([]models.Message, error) {
	messages, err := f.durable.ListConversation(ctx, a, b)
	if err != nil {
		zap.S().Warnw("durable store failed, reading conversation from memory",
			"op", "list_conversation",
			"a", a,
			"b", b,
			"error", err,
		)
		return f.log.ListConversation(ctx, a, b)
	}
	return messages, nil
}

// Ping reports the durable store's health when it can tell.
func (f *Fallback) Ping(ctx context.Context) error {
	if p, ok := f.durable.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (f *Fallback) Close() error { return f.durable.Close() }
