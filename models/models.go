package models

import "time"

// Status is the presence state a user advertises.
type Status string

const (
	StatusOnline       Status = "Online"
	StatusAway         Status = "Away"
	StatusDoNotDisturb Status = "DoNotDisturb"
	StatusOffline      Status = "Offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusDoNotDisturb, StatusOffline:
		return true
	}
	return false
}

type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Avatar    string     `json:"avatar"`
	Status    Status     `json:"status"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Message is immutable once created. ID is zero when no store assigned one.
type Message struct {
	ID           int64     `json:"id"`
	SenderID     int64     `json:"senderId"`
	SenderName   string    `json:"senderName,omitempty"`
	ReceiverID   int64     `json:"receiverId"`
	ReceiverName string    `json:"receiverName,omitempty"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// Between reports whether m was exchanged between a and b in either direction.
func (m Message) Between(a, b int64) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}
