package db

import (
	"context"
	"fmt"
	"time"

	"relay/models"
)

// DemoUsers are the identities Seed inserts.
var DemoUsers = []models.User{
	{ID: 1, Username: "alice_wonder", Avatar: "🦄", Status: models.StatusOnline},
	{ID: 2, Username: "bob_builder", Avatar: "🔨", Status: models.StatusOnline},
	{ID: 3, Username: "charlie_cat", Avatar: "🐱", Status: models.StatusAway},
	{ID: 4, Username: "diana_dragon", Avatar: "🐉", Status: models.StatusOffline},
}

var demoMessages = []models.Message{
	{SenderID: 1, ReceiverID: 2, Content: "Hey Bob! How are you doing?"},
	{SenderID: 2, ReceiverID: 1, Content: "Hi Alice! I'm doing great, thanks for asking!"},
	{SenderID: 1, ReceiverID: 2, Content: "That's awesome! Want to chat more later?"},
	{SenderID: 3, ReceiverID: 1, Content: "Hi Alice! Charlie here 🐱"},
	{SenderID: 1, ReceiverID: 3, Content: "Hey Charlie! Nice to see you online!"},
}

type SeedResult struct {
	Users    int
	Messages int
}

// Seed inserts the demo users and sample messages and returns the table counts.
// Users are upserted, so reseeding resets their attributes; messages are appended.
func (db *DB) Seed(ctx context.Context) (SeedResult, error) {
	for _, u := range DemoUsers {
		if err := db.UpsertUser(ctx, u); err != nil {
			return SeedResult{}, fmt.Errorf("seed users: %w", err)
		}
	}

	// Spread timestamps so the conversation order is the insertion order.
	base := time.Now().Add(-time.Duration(len(demoMessages)) * time.Minute)
	for i, m := range demoMessages {
		m.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if _, err := db.InsertMessage(ctx, m); err != nil {
			return SeedResult{}, fmt.Errorf("seed messages: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var res SeedResult
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&res.Users); err != nil {
		return SeedResult{}, err
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&res.Messages); err != nil {
		return SeedResult{}, err
	}
	return res, nil
}
