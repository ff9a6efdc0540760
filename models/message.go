package models

import "time"

// Message is one chat message exchanged between two participants.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Body       string      `json:"message"`
	CreatedAt  time.Time   `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Involves reports whether the message belongs to the unordered pair {a, b}.
func (m Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Counterpart returns the participant on the other side from localID, or ""
// when localID is not part of the message.
func (m Message) Counterpart(localID string) string {
	switch localID {
	case m.SenderID:
		return m.ReceiverID
	case m.ReceiverID:
		return m.SenderID
	default:
		return ""
	}
}
