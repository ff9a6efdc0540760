// Package chat keeps a local view of one two-party conversation consistent
// with a remote document store and event feed. It owns message backfill and
// pagination, live event ingestion with de-duplication, the send path with
// attachment upload, typing indicators and unread counts.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/op/go-logging"
	"github.com/raulk/clock"
	"github.com/scylladb/go-set/strset"

	"telechat/feed"
	"telechat/models"
	"telechat/query"
	"telechat/session"
)

var log = logging.MustGetLogger("chat")

// DefaultPageSize is the number of messages fetched per backfill page.
const DefaultPageSize = 50

const nameLookupTimeout = 2 * time.Second

// Options configures an Engine. Session, Messages, Participants and Feed are
// required.
type Options struct {
	Session      *session.Session
	Messages     MessageStore
	Participants ParticipantStore
	Feed         feed.Feed
	Blobs        BlobStore
	Notifier     Notifier
	Clock        clock.Clock

	PageSize          int
	TypingExpiry      time.Duration
	TypingDebounce    time.Duration
	MaxAttachmentSize int64

	// OnChange is called without locks held after visible state changes.
	OnChange func()
}

// Engine is the conversation sync engine for one signed-in user.
type Engine struct {
	session      *session.Session
	localID      string
	messages     MessageStore
	participants ParticipantStore
	feed         feed.Feed
	blobs        BlobStore
	gate         *Gate
	tracker      *Tracker
	typing       *TypingChannel
	unread       *UnreadCounter
	pageSize     int
	onChange     func()

	mu          sync.Mutex
	started     bool
	closed      bool
	subs        []feed.Subscription
	epoch       uint64
	counterpart string
	sequence    []models.Message
	loading     bool
	hasMore     bool
	inFlight    *strset.Set // counterparts with a send outstanding
	draft       draft
	lastErr     error
	names       map[string]string
}

type draft struct {
	body       string
	attachment *models.Upload
	rev        uint64
}

// New builds an engine. It does not subscribe to the feed until Start.
func New(opts Options) (*Engine, error) {
	if opts.Session == nil {
		return nil, errors.New("session is required")
	}
	if opts.Messages == nil || opts.Participants == nil {
		return nil, errors.New("message and participant stores are required")
	}
	if opts.Feed == nil {
		return nil, errors.New("event feed is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = DefaultTypingExpiry
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = DefaultTypingDebounce
	}

	e := &Engine{
		session:      opts.Session,
		localID:      opts.Session.UserID,
		messages:     opts.Messages,
		participants: opts.Participants,
		feed:         opts.Feed,
		blobs:        opts.Blobs,
		gate:         NewGate(opts.Blobs, opts.MaxAttachmentSize),
		tracker:      NewTracker(),
		unread:       NewUnreadCounter(opts.Notifier),
		pageSize:     opts.PageSize,
		onChange:     opts.OnChange,
		names:        make(map[string]string),
		inFlight:     strset.New(),
	}
	e.typing = NewTypingChannel(opts.Feed, opts.Clock, opts.TypingExpiry, opts.TypingDebounce, func(bool) {
		e.changed()
	})
	return e, nil
}

// Start subscribes to the message and typing channels for the lifetime of
// the session.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.session.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	messageSub, err := e.feed.Subscribe(ctx, feed.ChannelMessages, e.HandleEvent)
	if err != nil {
		e.setStarted(false)
		return transient("subscribe messages", err)
	}
	typingSub, err := e.feed.Subscribe(ctx, feed.ChannelTyping, e.HandleTyping)
	if err != nil {
		if uerr := messageSub.Unsubscribe(); uerr != nil {
			log.Warningf("unsubscribe messages after failed start: %v", uerr)
		}
		e.setStarted(false)
		return transient("subscribe typing", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = messageSub.Unsubscribe()
		_ = typingSub.Unsubscribe()
		return ErrClosed
	}
	e.subs = []feed.Subscription{messageSub, typingSub}
	e.mu.Unlock()

	log.Infof("chat engine started for %s", e.localID)
	return nil
}

func (e *Engine) setStarted(started bool) {
	e.mu.Lock()
	e.started = started
	e.mu.Unlock()
}

// Close releases the feed subscriptions and typing timers. Events delivered
// after Close are dropped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	e.typing.Stop()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	log.Infof("chat engine closed for %s", e.localID)
	return result.ErrorOrNil()
}

// Contacts lists who the local user can talk to: a doctor's assigned
// patients, or a patient's assigned doctor.
func (e *Engine) Contacts(ctx context.Context) ([]models.Participant, error) {
	if err := e.session.Err(); err != nil {
		return nil, err
	}

	var contacts []models.Participant
	if e.session.IsDoctor() {
		patients, err := e.participants.ListParticipants(ctx, query.Query{
			Filter: query.AllOf(
				query.Eq(query.FieldRole, models.RolePatient),
				query.Eq(query.FieldAssignedDoctorID, e.localID),
			),
			OrderBy: []query.Order{query.Asc(query.FieldName)},
		})
		if err != nil {
			return nil, transient("list patients", err)
		}
		contacts = patients
	} else {
		me, err := e.participants.GetParticipant(ctx, e.localID)
		if err != nil {
			return nil, participantError("participant", e.localID, err)
		}
		if me.AssignedDoctorID == nil || *me.AssignedDoctorID == "" {
			return nil, &NotFoundError{What: "assigned doctor"}
		}
		doctor, err := e.participants.GetParticipant(ctx, *me.AssignedDoctorID)
		if err != nil {
			return nil, participantError("assigned doctor", *me.AssignedDoctorID, err)
		}
		contacts = []models.Participant{doctor}
	}

	e.mu.Lock()
	for _, c := range contacts {
		e.names[c.ID] = c.Name
	}
	e.mu.Unlock()
	return contacts, nil
}

// OpenConversation makes counterpartID the active conversation and loads its
// most recent page. The sequence, dedup set, unread count and typing
// indicator for the conversation start empty.
func (e *Engine) OpenConversation(ctx context.Context, counterpartID string) error {
	if counterpartID == "" {
		return &NotFoundError{What: "counterpart"}
	}
	if err := e.session.Err(); err != nil {
		return err
	}
	if _, err := e.resolveName(ctx, counterpartID); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.epoch++
	epoch := e.epoch
	e.counterpart = counterpartID
	e.sequence = nil
	e.tracker.Reset()
	e.draft = draft{rev: e.draft.rev + 1}
	e.loading = true
	e.hasMore = true
	e.lastErr = nil
	e.unread.Reset(counterpartID)
	e.typing.SetActive(e.localID, counterpartID)
	e.mu.Unlock()
	e.changed()

	page, err := e.messages.ListMessages(ctx, e.pageQuery(counterpartID, 0))

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		log.Debugf("discarding stale backfill for %s", counterpartID)
		return nil
	}
	e.loading = false
	if err != nil {
		e.lastErr = transient("load conversation", err)
		err = e.lastErr
		e.mu.Unlock()
		e.changed()
		return err
	}
	fresh := e.unseen(page)
	e.sequence = append(fresh, e.sequence...)
	e.hasMore = len(page) == e.pageSize
	e.mu.Unlock()

	e.changed()
	return nil
}

// LoadOlder prepends the next page of history. It returns the number of
// messages added; while a page fetch is outstanding or history is exhausted
// it returns 0 without fetching.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if e.counterpart == "" {
		e.mu.Unlock()
		return 0, &NotFoundError{What: "counterpart"}
	}
	if e.loading || !e.hasMore {
		e.mu.Unlock()
		return 0, nil
	}
	e.loading = true
	epoch := e.epoch
	counterpartID := e.counterpart
	offset := len(e.sequence)
	e.mu.Unlock()
	e.changed()

	page, err := e.messages.ListMessages(ctx, e.pageQuery(counterpartID, offset))

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return 0, nil
	}
	e.loading = false
	if err != nil {
		e.lastErr = transient("load older messages", err)
		err = e.lastErr
		e.mu.Unlock()
		e.changed()
		return 0, err
	}
	fresh := e.unseen(page)
	e.sequence = append(fresh, e.sequence...)
	e.hasMore = len(page) == e.pageSize
	e.lastErr = nil
	e.mu.Unlock()

	e.changed()
	return len(fresh), nil
}

// CatchUp refetches the newest page of the active conversation and appends
// whatever the feed missed, e.g. while the relay connection was down. It
// returns the number of messages added.
func (e *Engine) CatchUp(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	counterpartID := e.counterpart
	epoch := e.epoch
	e.mu.Unlock()
	if counterpartID == "" {
		return 0, nil
	}

	page, err := e.messages.ListMessages(ctx, e.pageQuery(counterpartID, 0))
	if err != nil {
		return 0, transient("catch up conversation", err)
	}

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return 0, nil
	}
	fresh := e.unseen(page)
	e.sequence = append(e.sequence, fresh...)
	e.mu.Unlock()

	if len(fresh) > 0 {
		log.Infof("caught up %d missed messages with %s", len(fresh), counterpartID)
		e.changed()
	}
	return len(fresh), nil
}

func (e *Engine) pageQuery(counterpartID string, offset int) query.Query {
	return query.Query{
		Filter:  query.ConversationFilter(e.localID, counterpartID),
		OrderBy: []query.Order{query.Desc(query.FieldCreatedAt), query.Desc(query.FieldID)},
		Limit:   e.pageSize,
		Offset:  offset,
	}
}

// unseen sorts a newest-first page ascending and keeps ids not yet
// rendered. Must be called with e.mu held.
func (e *Engine) unseen(page []models.Message) []models.Message {
	sorted := make([]models.Message, len(page))
	copy(sorted, page)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	fresh := sorted[:0]
	for _, m := range sorted {
		if e.tracker.CheckAndMark(m.ID) {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

// UpdateDraft replaces the compose text. Non-empty text in an open
// conversation publishes a typing signal; a publish failure is returned but
// the draft is updated regardless.
func (e *Engine) UpdateDraft(ctx context.Context, body string) error {
	e.mu.Lock()
	e.draft.body = body
	e.draft.rev++
	counterpartID := e.counterpart
	closed := e.closed
	e.mu.Unlock()
	e.changed()

	if closed || counterpartID == "" || strings.TrimSpace(body) == "" {
		return nil
	}
	return e.typing.NotifyTyping(ctx, e.localID, counterpartID)
}

// Attach validates upload and sets it as the draft attachment.
func (e *Engine) Attach(upload models.Upload) error {
	if err := e.gate.Validate(upload); err != nil {
		return err
	}
	e.mu.Lock()
	e.draft.attachment = &upload
	e.draft.rev++
	e.mu.Unlock()
	e.changed()
	return nil
}

// ClearAttachment removes the draft attachment.
func (e *Engine) ClearAttachment() {
	e.mu.Lock()
	e.draft.attachment = nil
	e.draft.rev++
	e.mu.Unlock()
	e.changed()
}

// Send persists the draft to the open conversation. The message is shown
// only after the store acknowledges it. On failure the draft is kept.
func (e *Engine) Send(ctx context.Context) (models.Message, error) {
	if err := e.session.Err(); err != nil {
		return models.Message{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	body := strings.TrimSpace(e.draft.body)
	upload := e.draft.attachment
	if body == "" && upload == nil {
		e.mu.Unlock()
		return models.Message{}, ErrNothingToSend
	}
	if e.counterpart == "" {
		e.mu.Unlock()
		return models.Message{}, &NotFoundError{What: "counterpart"}
	}
	if e.inFlight.Has(e.counterpart) {
		e.mu.Unlock()
		return models.Message{}, ErrSendInFlight
	}
	e.inFlight.Add(e.counterpart)
	epoch := e.epoch
	rev := e.draft.rev
	counterpartID := e.counterpart
	e.mu.Unlock()
	e.changed()

	message := models.Message{
		SenderID:   e.localID,
		ReceiverID: counterpartID,
		Body:       body,
	}
	if upload != nil {
		attachment, err := e.gate.Upload(ctx, *upload)
		if err != nil {
			return models.Message{}, e.failSend(counterpartID, epoch, err)
		}
		message.Attachment = &attachment
	}

	created, err := e.messages.CreateMessage(ctx, message)
	if err != nil {
		return models.Message{}, e.failSend(counterpartID, epoch, transient("create message", err))
	}

	e.mu.Lock()
	e.inFlight.Remove(counterpartID)
	if epoch == e.epoch {
		e.lastErr = nil
	}
	if epoch == e.epoch && e.tracker.CheckAndMark(created.ID) {
		e.sequence = append(e.sequence, created)
	}
	if rev == e.draft.rev {
		e.draft = draft{rev: rev + 1}
	}
	e.mu.Unlock()

	e.changed()
	return created, nil
}

func (e *Engine) failSend(counterpartID string, epoch uint64, err error) error {
	e.mu.Lock()
	e.inFlight.Remove(counterpartID)
	if epoch == e.epoch {
		e.lastErr = err
	}
	e.mu.Unlock()
	e.changed()
	log.Warningf("send failed: %v", err)
	return err
}

// HandleEvent ingests one event from the message channel.
func (e *Engine) HandleEvent(event feed.Event) {
	if event.Type != feed.EventDocumentCreated || event.Message == nil {
		return
	}
	message := *event.Message
	if message.SenderID != e.localID && message.ReceiverID != e.localID {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.counterpart != "" && message.Involves(e.localID, e.counterpart) {
		if message.SenderID == e.localID && e.inFlight.Has(e.counterpart) {
			e.mu.Unlock()
			return
		}
		if !e.tracker.CheckAndMark(message.ID) {
			e.mu.Unlock()
			return
		}
		e.sequence = append(e.sequence, message)
		e.mu.Unlock()
		e.changed()
		return
	}
	if message.SenderID == e.localID {
		e.mu.Unlock()
		return
	}
	counted := e.unread.count(message)
	e.mu.Unlock()

	if !counted {
		return
	}
	e.changed()
	name, err := e.resolveName(context.Background(), message.SenderID)
	if err != nil {
		log.Debugf("resolve sender name %s: %v", message.SenderID, err)
	}
	e.unread.notify(message, name)
}

// HandleTyping ingests one event from the typing channel.
func (e *Engine) HandleTyping(event feed.Event) {
	if event.Type != feed.EventTyping || event.Typing == nil {
		return
	}
	e.typing.OnRemoteTyping(*event.Typing)
}

// DownloadURL resolves the attachment of message to a fetchable URL.
func (e *Engine) DownloadURL(ctx context.Context, message models.Message) (string, error) {
	if message.SenderID != e.localID && message.ReceiverID != e.localID {
		return "", &PermissionError{UserID: e.localID, Action: "download attachments of message " + message.ID}
	}
	if message.Attachment == nil || message.Attachment.FileID == "" {
		return "", &NotFoundError{What: "attachment", ID: message.ID}
	}
	if e.blobs == nil {
		return "", transient("resolve download url", errors.New("no blob store configured"))
	}
	url, err := e.blobs.DownloadURL(ctx, message.Attachment.FileID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", &NotFoundError{What: "file", ID: message.Attachment.FileID}
		}
		return "", transient("resolve download url", err)
	}
	return url, nil
}

// resolveName returns the display name for userID, loading it once from the
// participant store.
func (e *Engine) resolveName(ctx context.Context, userID string) (string, error) {
	e.mu.Lock()
	name, ok := e.names[userID]
	e.mu.Unlock()
	if ok {
		return name, nil
	}

	ctx, cancel := context.WithTimeout(ctx, nameLookupTimeout)
	defer cancel()
	participant, err := e.participants.GetParticipant(ctx, userID)
	if err != nil {
		return "", participantError("participant", userID, err)
	}

	e.mu.Lock()
	e.names[userID] = participant.Name
	e.mu.Unlock()
	return participant.Name, nil
}

func participantError(what, id string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return &NotFoundError{What: what, ID: id}
	}
	return transient("load "+what, err)
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}
