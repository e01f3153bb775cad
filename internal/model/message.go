package model

import "time"

// Kind classifies the delivery channel a message belongs to.
type Kind string

const (
	KindTransactionalEmail Kind = "transactional_email"
	KindBroadcastEmail     Kind = "broadcast_email"
	KindInAppNotification  Kind = "in_app_notification"
)

// Priority orders messages in the dispatch queue. Higher value wins.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire representation to a Priority.
// Unknown values fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Status is the delivery lifecycle state. Transitions are monotonic:
// queued → sending → delivered | failed → dead_lettered.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Message is the unit of work owned by the dispatch queue until it
// reaches a terminal state.
type Message struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	UserID      int       `json:"user_id,omitempty"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Priority    Priority  `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
	Reschedules int       `json:"reschedules"`
	Status      Status    `json:"status"`
}
