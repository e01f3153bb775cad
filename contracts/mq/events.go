package mq

import "time"

// WinnerDetectedPayload 中奖事件的 payload
type WinnerDetectedPayload struct {
	EventID      string    `json:"event_id"`
	UserID       int       `json:"user_id"`
	UserEmail    string    `json:"user_email"`
	UserName     string    `json:"user_name"`
	Game         string    `json:"game"`
	DrawDate     string    `json:"draw_date"`
	TicketNumber string    `json:"ticket_number"`
	PrizeAmount  string    `json:"prize_amount"`
	DetectedAt   time.Time `json:"detected_at"`
}

// BroadcastRequestedPayload 群发事件的 payload
type BroadcastRequestedPayload struct {
	EventID    string      `json:"event_id"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	Priority   string      `json:"priority"`
	Recipients []Recipient `json:"recipients"`
}

type Recipient struct {
	UserID int    `json:"user_id"`
	Email  string `json:"email"`
}

type MessageDeliveredPayload struct {
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	Backend   string    `json:"backend"`
	Attempts  int       `json:"attempts"`
	SentAt    time.Time `json:"sent_at"`
}

type MessageDeadLetteredPayload struct {
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}
