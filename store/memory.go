package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"relay/models"
)

// Roster exposes the currently reachable users.
type Roster interface {
	LiveUsers() []models.User
}

// Memory is the ephemeral fallback. Messages live in an append-only log for
// the lifetime of the process; users are whatever the roster reports live.
// Sender and receiver are not checked against any user table.
type Memory struct {
	roster Roster

	mu  sync.RWMutex
	log []models.Message
	seq int64
}

func NewMemory(roster Roster) *Memory {
	return &Memory{roster: roster}
}

func (m *Memory) Mode() string { return "ephemeral" }

// UpsertUser is a no-op; the presence registry already holds live users.
func (m *Memory) UpsertUser(context.Context, models.User) error { return nil }

// UpdateUserStatus is a no-op for the same reason as UpsertUser.
func (m *Memory) UpdateUserStatus(context.Context, int64, models.Status, *time.Time) error {
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, msg models.Message) (int64, error) {
	msg.ID = 0
	return m.record(msg), nil
}

// record appends msg, keeping its id when one was already assigned.
func (m *Memory) record(msg models.Message) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == 0 {
		m.seq++
		msg.ID = m.seq
	} else if msg.ID > m.seq {
		m.seq = msg.ID
	}
	m.log = append(m.log, msg)
	return msg.ID
}

func (m *Memory) ListUsers(context.Context) ([]models.User, error) {
	users := m.roster.LiveUsers()
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *Memory) ListConversation(_ context.Context, a, b int64) ([]models.Message, error) {
	m.mu.RLock()
	conversation := lo.Filter(m.log, func(msg models.Message, _ int) bool {
		return msg.Between(a, b)
	})
	m.mu.RUnlock()

	sort.SliceStable(conversation, func(i, j int) bool {
		return conversation[i].Timestamp.Before(conversation[j].Timestamp)
	})
	return conversation, nil
}

// Len returns the number of logged messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.log)
}

func (m *Memory) Close() error { return nil }
