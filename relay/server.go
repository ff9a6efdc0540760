// Package relay serves the websocket event relay chat clients publish to and
// subscribe on, plus authenticated blob downloads.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/op/go-logging"
	"github.com/rs/cors"

	"telechat/feed"
	"telechat/models"
	"telechat/session"
	"telechat/storage"
)

var log = logging.MustGetLogger("relay")

const (
	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 256
	// DefaultPingInterval is how often idle connections are pinged.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second

	shutdownTimeout = 5 * time.Second
)

// BlobOpener serves stored attachments.
type BlobOpener interface {
	OpenBlob(ctx context.Context, bucket, fileID string) (io.ReadCloser, storage.BlobMetadata, error)
}

// Options configures a Server.
type Options struct {
	// Secret verifies session tokens.
	Secret []byte
	// Blobs enables GET /files/{bucket}/{id} when set.
	Blobs          BlobOpener
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// Server is the websocket relay.
type Server struct {
	opts     Options
	hub      *hub
	upgrader websocket.Upgrader

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer starts the fan-out hub. Close stops it.
func NewServer(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("relay: jwt secret is required")
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		opts: opts,
		hub:  newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	go s.hub.run()
	return s, nil
}

// Handler returns the relay's HTTP routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /files/{bucket}/{id}", s.serveFile)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"Authorization"},
		AllowCredentials: true,
	}).Handler(mux)
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.Serve(listener)
	}()
	log.Infof("relay listening on %s", listener.Addr())

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve relay: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}

// Close disconnects every client and stops the hub.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.hub.stop()
		s.wg.Wait()
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) authenticate(r *http.Request) (*session.Session, error) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return nil, session.ErrInvalidToken
		}
		token = strings.TrimSpace(value)
	}
	if token == "" {
		return nil, session.ErrInvalidToken
	}
	return session.Parse(s.opts.Secret, token)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("websocket upgrade for %s: %v", sess.UserID, err)
		return
	}

	c := &connection{userID: sess.UserID, send: make(chan []byte, s.opts.SendBuffer)}
	s.wg.Add(1)
	if !s.hub.join(c) {
		s.wg.Done()
		_ = ws.Close()
		return
	}

	go func() {
		defer s.wg.Done()
		s.writer(ws, c)
	}()
	s.reader(ws, c, sess)
}

func (s *Server) reader(ws *websocket.Conn, c *connection, sess *session.Session) {
	defer func() {
		s.hub.part(c)
		_ = ws.Close()
	}()

	pongWait := 2 * s.opts.PingInterval
	ws.SetReadLimit(feed.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("websocket read for %s: %v", c.userID, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := feed.DecodeFrame(payload)
		if err != nil {
			s.hub.respond(c, feed.ErrorFrame("bad_frame", err.Error(), time.Now().UnixMilli()))
			continue
		}

		switch frame.Op {
		case feed.OpSubscribe:
			s.hub.follow(c, frame.Channel)
		case feed.OpUnsubscribe:
			s.hub.unfollow(c, frame.Channel)
		case feed.OpPublish:
			if err := authorize(sess.UserID, *frame.Event); err != nil {
				s.hub.respond(c, feed.ErrorFrame("forbidden", err.Error(), time.Now().UnixMilli()))
				continue
			}
			event := *frame.Event
			if event.Timestamp == 0 {
				event.Timestamp = time.Now().UnixMilli()
			}
			s.hub.broadcast(frame.Channel, event)
		default:
			s.hub.respond(c, feed.ErrorFrame("unsupported_op", fmt.Sprintf("op %q is not accepted from clients", frame.Op), time.Now().UnixMilli()))
		}
	}
}

// authorize rejects events claiming another user as author.
func authorize(userID string, event feed.Event) error {
	if event.Message != nil && event.Message.SenderID != userID {
		return fmt.Errorf("user %s may not publish messages as %s", userID, event.Message.SenderID)
	}
	if event.Typing != nil && event.Typing.UserID != userID {
		return fmt.Errorf("user %s may not publish typing as %s", userID, event.Typing.UserID)
	}
	return nil
}

func (s *Server) writer(ws *websocket.Conn, c *connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.opts.Blobs == nil {
		http.NotFound(w, r)
		return
	}

	bucket, fileID := r.PathValue("bucket"), r.PathValue("id")
	blob, meta, err := s.opts.Blobs.OpenBlob(r.Context(), bucket, fileID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Errorf("open blob %s/%s: %v", bucket, fileID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer blob.Close()

	if !canRead(meta.AccessPolicy, sess.UserID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if meta.Filetype != "" {
		w.Header().Set("Content-Type", meta.Filetype)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Filename}))
	if _, err := io.Copy(w, blob); err != nil {
		log.Warningf("stream blob %s/%s to %s: %v", bucket, fileID, sess.UserID, err)
	}
}

// canRead checks a stored access policy string for a read grant covering
// userID.
func canRead(policy, userID string) bool {
	return strings.Contains(policy, `read("users")`) || strings.Contains(policy, `read("user:`+userID+`")`)
}
