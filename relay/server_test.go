package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telechat/feed"
	"telechat/models"
	"telechat/session"
	"telechat/storage"
)

var testSecret = []byte("relay-test-secret")

// trackingListener remembers accepted connections so tests can sever them.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, conn)
		l.mu.Unlock()
	}
	return conn, err
}

func (l *trackingListener) severAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.conns = nil
}

type relayHarness struct {
	server   *Server
	http     *httptest.Server
	listener *trackingListener
}

func newRelay(t *testing.T, blobs BlobOpener) *relayHarness {
	t.Helper()

	srv, err := NewServer(Options{Secret: testSecret, Blobs: blobs, PingInterval: time.Second})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Handler())
	listener := &trackingListener{Listener: ts.Listener}
	ts.Listener = listener
	ts.Start()

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &relayHarness{server: srv, http: ts, listener: listener}
}

func (h *relayHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := session.Issue(testSecret, models.Participant{ID: userID, Name: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, h *relayHarness, userID, role string, onReconnect func()) *feed.Client {
	t.Helper()
	client, err := feed.Dial(context.Background(), feed.ClientOptions{
		URL:            h.wsURL(),
		Token:          token(t, userID, role),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		OnReconnect:    onReconnect,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type inbox struct {
	mu     sync.Mutex
	events []feed.Event
}

func (i *inbox) handle(e feed.Event) {
	i.mu.Lock()
	i.events = append(i.events, e)
	i.mu.Unlock()
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.events)
}

func (i *inbox) all() []feed.Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]feed.Event(nil), i.events...)
}

func TestRelayDeliversMessagesToParticipantsOnly(t *testing.T) {
	h := newRelay(t, nil)
	ctx := context.Background()

	alice := dial(t, h, "alice", models.RoleDoctor, nil)
	bob := dial(t, h, "bob", models.RolePatient, nil)
	carol := dial(t, h, "carol", models.RolePatient, nil)

	var aliceBox, bobBox, carolBox inbox
	_, err := alice.Subscribe(ctx, feed.ChannelMessages, aliceBox.handle)
	require.NoError(t, err)
	_, err = bob.Subscribe(ctx, feed.ChannelMessages, bobBox.handle)
	require.NoError(t, err)
	_, err = carol.Subscribe(ctx, feed.ChannelMessages, carolBox.handle)
	require.NoError(t, err)

	message := models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Body: "hello", CreatedAt: time.Now()}
	require.NoError(t, alice.Publish(ctx, feed.ChannelMessages, feed.MessageCreated(message)))

	require.Eventually(t, func() bool { return bobBox.len() == 1 && aliceBox.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := bobBox.all()[0]
	assert.Equal(t, feed.EventDocumentCreated, got.Type)
	assert.Equal(t, feed.ChannelMessages, got.Channel)
	assert.Equal(t, "hello", got.Message.Body)
	assert.NotZero(t, got.Timestamp)

	assert.Never(t, func() bool { return carolBox.len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRelayBroadcastsTyping(t *testing.T) {
	h := newRelay(t, nil)
	ctx := context.Background()

	alice := dial(t, h, "alice", models.RoleDoctor, nil)
	bob := dial(t, h, "bob", models.RolePatient, nil)

	var bobBox inbox
	_, err := bob.Subscribe(ctx, feed.ChannelTyping, bobBox.handle)
	require.NoError(t, err)

	signal := models.TypingSignal{UserID: "alice", ChatID: "alice-bob", IsTyping: true}
	require.NoError(t, alice.Publish(ctx, feed.ChannelTyping, feed.TypingChanged(signal)))

	require.Eventually(t, func() bool { return bobBox.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := bobBox.all()[0]
	require.NotNil(t, got.Typing)
	assert.Equal(t, "alice-bob", got.Typing.ChatID)
	assert.True(t, got.Typing.IsTyping)
}

func TestRelayUnsubscribeStopsDelivery(t *testing.T) {
	h := newRelay(t, nil)
	ctx := context.Background()

	alice := dial(t, h, "alice", models.RoleDoctor, nil)
	bob := dial(t, h, "bob", models.RolePatient, nil)

	var bobBox inbox
	sub, err := bob.Subscribe(ctx, feed.ChannelTyping, bobBox.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	// A fresh subscription on another channel is acknowledged after the
	// unsubscribe frame, so the relay has processed both.
	_, err = bob.Subscribe(ctx, feed.ChannelMessages, func(feed.Event) {})
	require.NoError(t, err)

	signal := models.TypingSignal{UserID: "alice", ChatID: "alice-bob", IsTyping: true}
	require.NoError(t, alice.Publish(ctx, feed.ChannelTyping, feed.TypingChanged(signal)))
	assert.Never(t, func() bool { return bobBox.len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRelayRejectsForgedAuthor(t *testing.T) {
	h := newRelay(t, nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "mallory", models.RolePatient))
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.NoError(t, err)
	defer conn.Close()

	event := feed.MessageCreated(models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Body: "forged"})
	payload, err := feed.EncodeFrame(feed.Frame{Op: feed.OpPublish, Channel: feed.ChannelMessages, Event: &event})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := feed.DecodeFrame(reply)
	require.NoError(t, err)
	assert.Equal(t, feed.OpError, frame.Op)
	assert.Equal(t, "forbidden", frame.Code)
}

func TestRelayRejectsMalformedFrames(t *testing.T) {
	h := newRelay(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"?token="+token(t, "bob", models.RolePatient), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := feed.DecodeFrame(reply)
	require.NoError(t, err)
	assert.Equal(t, "bad_frame", frame.Code)
}

func TestRelayRejectsInvalidToken(t *testing.T) {
	h := newRelay(t, nil)

	_, err := feed.Dial(context.Background(), feed.ClientOptions{URL: h.wsURL(), Token: "garbage"})
	assert.True(t, errors.Is(err, feed.ErrUnauthorized), "got %v", err)

	_, err = feed.Dial(context.Background(), feed.ClientOptions{URL: h.wsURL()})
	assert.True(t, errors.Is(err, feed.ErrUnauthorized), "got %v", err)
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	h := newRelay(t, nil)
	ctx := context.Background()

	reconnected := make(chan struct{}, 1)
	bob := dial(t, h, "bob", models.RolePatient, func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	var bobBox inbox
	_, err := bob.Subscribe(ctx, feed.ChannelTyping, bobBox.handle)
	require.NoError(t, err)

	h.listener.severAll()
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	alice := dial(t, h, "alice", models.RoleDoctor, nil)
	signal := models.TypingSignal{UserID: "alice", ChatID: "alice-bob", IsTyping: true}
	// The resubscribe frame races the first publish, so keep publishing.
	require.Eventually(t, func() bool {
		_ = alice.Publish(ctx, feed.ChannelTyping, feed.TypingChanged(signal))
		return bobBox.len() > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServeFiles(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs := storage.NewBlobStore(store, dataDir, "", "")
	h := newRelay(t, blobs)
	ctx := context.Background()

	shared, err := blobs.Upload(ctx, models.Upload{Name: "scan.png", ContentType: "image/png", Content: bytes.NewReader([]byte("png-bytes"))}, models.PolicyAuthenticatedUsers)
	require.NoError(t, err)
	private, err := blobs.Upload(ctx, models.Upload{Name: "note.pdf", ContentType: "application/pdf", Content: bytes.NewReader([]byte("pdf"))}, models.AccessPolicy{Read: []string{"user:alice"}})
	require.NoError(t, err)

	get := func(path, tok string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, h.http.URL+path, nil)
		require.NoError(t, err)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := h.http.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	bobToken := token(t, "bob", models.RolePatient)

	resp := get("/files/"+storage.DefaultBucket+"/"+shared.FileID, bobToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "scan.png")

	assert.Equal(t, http.StatusUnauthorized, get("/files/"+storage.DefaultBucket+"/"+shared.FileID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/files/"+storage.DefaultBucket+"/missing", bobToken).StatusCode)
	assert.Equal(t, http.StatusForbidden, get("/files/"+storage.DefaultBucket+"/"+private.FileID, bobToken).StatusCode)
	assert.Equal(t, http.StatusOK, get("/files/"+storage.DefaultBucket+"/"+private.FileID, token(t, "alice", models.RoleDoctor)).StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newRelay(t, nil)
	resp, err := h.http.Client().Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(Options{Secret: testSecret})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNewServerRequiresSecret(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}
