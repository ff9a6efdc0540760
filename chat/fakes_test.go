package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"telechat/feed"
	"telechat/models"
	"telechat/query"
)

type fakeStore struct {
	mu           sync.Mutex
	messages     []models.Message
	participants map[string]models.Participant
	creates      []models.Message
	lists        []query.Query
	createErr    error
	listErr      error
	now          time.Time
	nextID       int

	// listHook and createHook run without the store lock before the
	// result is returned.
	listHook   func(call int, q query.Query)
	createHook func(created models.Message)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: make(map[string]models.Participant),
		now:          time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *fakeStore) addParticipant(id, name, role string, doctorID string) {
	p := models.Participant{ID: id, Name: name, Role: role}
	if doctorID != "" {
		p.AssignedDoctorID = &doctorID
	}
	s.mu.Lock()
	s.participants[id] = p
	s.mu.Unlock()
}

// seed stores a message directly, bypassing create accounting.
func (s *fakeStore) seed(from, to, body string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(models.Message{SenderID: from, ReceiverID: to, Body: body})
}

func (s *fakeStore) insertLocked(m models.Message) models.Message {
	s.nextID++
	s.now = s.now.Add(time.Second)
	if m.ID == "" {
		m.ID = fmt.Sprintf("msg-%03d", s.nextID)
	}
	m.CreatedAt = s.now
	s.messages = append(s.messages, m)
	return m
}

func (s *fakeStore) ListMessages(_ context.Context, q query.Query) ([]models.Message, error) {
	s.mu.Lock()
	s.lists = append(s.lists, q)
	call := len(s.lists)
	err := s.listErr
	matched := make([]models.Message, 0)
	for _, m := range s.messages {
		if matches(q.Filter, messageField(m)) {
			matched = append(matched, m)
		}
	}
	hook := s.listHook
	s.mu.Unlock()

	if hook != nil {
		hook(call, q)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		for _, o := range q.OrderBy {
			a, b := messageField(matched[i])(o.Field), messageField(matched[j])(o.Field)
			if a == b {
				continue
			}
			less := lessValue(a, b)
			if o.Desc {
				return !less
			}
			return less
		}
		return false
	})
	if q.Offset >= len(matched) {
		return []models.Message{}, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, m models.Message) (models.Message, error) {
	s.mu.Lock()
	s.creates = append(s.creates, m)
	if s.createErr != nil {
		err := s.createErr
		s.mu.Unlock()
		return models.Message{}, err
	}
	created := s.insertLocked(m)
	hook := s.createHook
	s.mu.Unlock()

	if hook != nil {
		hook(created)
	}
	return created, nil
}

func (s *fakeStore) GetParticipant(_ context.Context, id string) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return models.Participant{}, models.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListParticipants(_ context.Context, q query.Query) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Participant, 0)
	for _, p := range s.participants {
		if matches(q.Filter, participantField(p)) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeStore) createCalls() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.creates...)
}

func (s *fakeStore) listCalls() []query.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]query.Query(nil), s.lists...)
}

func (s *fakeStore) setCreateErr(err error) {
	s.mu.Lock()
	s.createErr = err
	s.mu.Unlock()
}

func (s *fakeStore) setListErr(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

func matches(f query.Filter, get func(string) any) bool {
	switch f := f.(type) {
	case nil:
		return true
	case query.Equal:
		v := get(f.Field)
		if f.Value == nil {
			return v == nil
		}
		return v == f.Value
	case query.And:
		for _, member := range f {
			if !matches(member, get) {
				return false
			}
		}
		return true
	case query.Or:
		for _, member := range f {
			if matches(member, get) {
				return true
			}
		}
		return false
	default:
		panic(fmt.Sprintf("unexpected filter %T", f))
	}
}

func messageField(m models.Message) func(string) any {
	return func(field string) any {
		switch field {
		case query.FieldID:
			return m.ID
		case query.FieldSenderID:
			return m.SenderID
		case query.FieldReceiverID:
			return m.ReceiverID
		case query.FieldCreatedAt:
			return m.CreatedAt.UnixMilli()
		}
		panic("unexpected message field " + field)
	}
}

func participantField(p models.Participant) func(string) any {
	return func(field string) any {
		switch field {
		case query.FieldID, query.FieldUserID:
			return p.ID
		case query.FieldName:
			return p.Name
		case query.FieldRole:
			return p.Role
		case query.FieldAssignedDoctorID:
			if p.AssignedDoctorID == nil {
				return nil
			}
			return *p.AssignedDoctorID
		}
		panic("unexpected participant field " + field)
	}
}

func lessValue(a, b any) bool {
	switch a := a.(type) {
	case int64:
		return a < b.(int64)
	case string:
		return a < b.(string)
	}
	panic(fmt.Sprintf("unexpected value %T", a))
}

type fakeBlobs struct {
	mu        sync.Mutex
	uploads   []models.Upload
	policies  []models.AccessPolicy
	contents  [][]byte
	uploadErr error
}

func (b *fakeBlobs) Upload(_ context.Context, upload models.Upload, policy models.AccessPolicy) (models.Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, upload)
	b.policies = append(b.policies, policy)
	if b.uploadErr != nil {
		return models.Attachment{}, b.uploadErr
	}
	data, err := io.ReadAll(upload.Content)
	if err != nil {
		return models.Attachment{}, err
	}
	b.contents = append(b.contents, data)
	return models.Attachment{FileID: fmt.Sprintf("file-%d", len(b.uploads)), FileName: upload.Name}, nil
}

func (b *fakeBlobs) DownloadURL(_ context.Context, fileID string) (string, error) {
	if fileID == "missing" {
		return "", models.ErrNotFound
	}
	return "https://blobs.test/" + fileID, nil
}

func (b *fakeBlobs) uploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

type notification struct {
	title string
	body  string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(title, body string) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{title: title, body: body})
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

// recordingFeed keeps every published event and can fail typing publishes.
type recordingFeed struct {
	mu        sync.Mutex
	events    []feed.Event
	failTrue  error
	failFalse error
}

func (f *recordingFeed) Publish(_ context.Context, channel string, event feed.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.Channel = channel
	f.events = append(f.events, event)
	if event.Typing != nil {
		if event.Typing.IsTyping && f.failTrue != nil {
			return f.failTrue
		}
		if !event.Typing.IsTyping && f.failFalse != nil {
			return f.failFalse
		}
	}
	return nil
}

func (f *recordingFeed) Subscribe(context.Context, string, feed.Handler) (feed.Subscription, error) {
	return nopSubscription{}, nil
}

func (f *recordingFeed) signals() []models.TypingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TypingSignal, 0, len(f.events))
	for _, e := range f.events {
		if e.Typing != nil {
			out = append(out, *e.Typing)
		}
	}
	return out
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() error { return nil }

var errUnavailable = errors.New("backend unavailable")

func pngUpload(name string, size int) models.Upload {
	return models.Upload{
		Name:        name,
		ContentType: "image/png",
		Size:        int64(size),
		Content:     bytes.NewReader(make([]byte, size)),
	}
}
