package chat

import "telechat/models"

// View is a point-in-time copy of the engine state for rendering.
type View struct {
	Counterpart       string
	CounterpartName   string
	Messages          []models.Message
	CounterpartTyping bool
	Unread            map[string]int
	Badges            int
	Draft             string
	Attachment        string
	Loading           bool
	Sending           bool
	HasMore           bool
	Err               error
}

// Snapshot returns the current view.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	v := View{
		Counterpart:     e.counterpart,
		CounterpartName: e.names[e.counterpart],
		Messages:        make([]models.Message, len(e.sequence)),
		Draft:           e.draft.body,
		Loading:         e.loading,
		Sending:         e.inFlight.Has(e.counterpart),
		HasMore:         e.hasMore,
		Err:             e.lastErr,
	}
	copy(v.Messages, e.sequence)
	if e.draft.attachment != nil {
		v.Attachment = e.draft.attachment.Name
	}
	e.mu.Unlock()

	v.CounterpartTyping = e.typing.CounterpartTyping()
	v.Unread = e.unread.Snapshot()
	v.Badges = e.unread.Badges()
	return v
}
