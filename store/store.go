package store

import (
	"context"
	"errors"
	"time"

	"relay/models"
)

var ErrUnavailable = errors.New("store unavailable")

// Store is the persistence contract the relay depends on. Two implementations
// exist: the sqlite-backed durable store (package db) and the ephemeral
// in-memory fallback (Memory). One is selected at startup.
type Store interface {
	// Mode names the implementation, "durable" or "ephemeral".
	Mode() string
	UpsertUser(ctx context.Context, user models.User) error
	// UpdateUserStatus sets status and, when lastSeen is non-nil, last_seen.
	UpdateUserStatus(ctx context.Context, id int64, status models.Status, lastSeen *time.Time) error
	// InsertMessage persists msg and returns its assigned id.
	InsertMessage(ctx context.Context, msg models.Message) (int64, error)
	// ListUsers returns users ordered by username.
	ListUsers(ctx context.Context) ([]models.User, error)
	// ListConversation returns messages between a and b, oldest first.
	ListConversation(ctx context.Context, a, b int64) ([]models.Message, error)
	Close() error
}
