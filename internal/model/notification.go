package model

import "time"

// Notification is an in-app notification record for the real-time channel.
type Notification struct {
	ID         string    `json:"id"`
	UserID     int       `json:"user_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Type       string    `json:"type"`
	Priority   string    `json:"priority"`
	Delivered  bool      `json:"delivered"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}
