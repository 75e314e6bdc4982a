package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"relay/models"
	"relay/store"
)

var ErrNoRows = errors.New("no rows found")

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultTimeout = 5 * time.Second

// DB is the durable store. Every call is bounded by timeout.
type DB struct {
	conn    *sql.DB
	timeout time.Duration
}

func New(path string, timeout time.Duration) (*DB, error) {
	if path == "" {
		return nil, errors.New("empty database path")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, timeout: timeout}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) Mode() string { return "durable" }

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (db *DB) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), db.timeout)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'Offline'
				CHECK (status IN ('Online', 'Away', 'DoNotDisturb', 'Offline')),
			last_seen TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return db.migrate(ctx)
}

// migrate upgrades databases created before users.last_seen existed.
// Existing users are treated as last seen at migration time.
func (db *DB) migrate(ctx context.Context) error {
	if db.columnExists(ctx, "users", "last_seen") {
		return nil
	}

	if _, err := db.conn.ExecContext(ctx, "ALTER TABLE users ADD COLUMN last_seen TEXT"); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET last_seen = ? WHERE last_seen IS NULL", formatTime(time.Now()))
	return err
}

func (db *DB) columnExists(ctx context.Context, table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	if err := db.conn.QueryRowContext(ctx, query, table, column).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// UpsertUser creates the user or refreshes its display attributes, status and last_seen.
func (db *DB) UpsertUser(ctx context.Context, user models.User) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	now := formatTime(time.Now())
	status := user.Status
	if status == "" {
		status = models.StatusOnline
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, avatar, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			avatar = excluded.avatar,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		user.ID, user.Username, user.Avatar, string(status), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", user.ID, err)
	}
	return nil
}

func (db *DB) UpdateUserStatus(ctx context.Context, id int64, status models.Status, lastSeen *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var (
		result sql.Result
		err    error
	)
	if lastSeen != nil {
		result, err = db.conn.ExecContext(ctx,
			"UPDATE users SET status = ?, last_seen = ? WHERE id = ?",
			string(status), formatTime(*lastSeen), id,
		)
	} else {
		result, err = db.conn.ExecContext(ctx,
			"UPDATE users SET status = ? WHERE id = ?",
			string(status), id,
		)
	}
	if err != nil {
		return fmt.Errorf("update status of %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("update status of %d: %w", id, ErrNoRows)
	}
	return nil
}

func (db *DB) InsertMessage(ctx context.Context, msg models.Message) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, content, timestamp) VALUES (?, ?, ?, ?)",
		msg.SenderID, msg.ReceiverID, msg.Content, formatTime(ts),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message %d->%d: %w", msg.SenderID, msg.ReceiverID, err)
	}
	return result.LastInsertId()
}

func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, username, avatar, status, COALESCE(last_seen, ''), created_at
		FROM users
		ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var (
			u                   models.User
			status              string
			lastSeen, createdAt string
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Avatar, &status, &lastSeen, &createdAt); err != nil {
			return nil, err
		}
		u.Status = models.Status(status)
		if !u.Status.Valid() {
			u.Status = models.StatusOffline
		}
		u.LastSeen = parseTime(lastSeen)
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *DB) ListConversation(ctx context.Context, a, b int64) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	query := `
		SELECT m.id, m.sender_id, m.receiver_id, m.content, m.timestamp,
			u1.username AS sender_name, u2.username AS receiver_name
		FROM messages m
		JOIN users u1 ON m.sender_id = u1.id
		JOIN users u2 ON m.receiver_id = u2.id
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.timestamp ASC, m.id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			m            models.Message
			timestampStr string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &timestampStr, &m.SenderName, &m.ReceiverName); err != nil {
			return nil, err
		}

		timestamp, err := time.Parse(timeLayout, timestampStr)
		if err != nil {
			return nil, err
		}
		m.Timestamp = timestamp

		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}
