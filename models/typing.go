package models

// TypingSignal is an ephemeral "is typing" event scoped to a chat key.
type TypingSignal struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	IsTyping  bool   `json:"is_typing"`
	Timestamp int64  `json:"timestamp"`
}
