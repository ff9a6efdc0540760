package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scylladb/go-set/strset"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"telechat/backend"
	"telechat/chat"
	"telechat/models"
	"telechat/notify"
	"telechat/session"
	"telechat/storage"
)

const chatHelp = `Commands:
  /contacts          list people you can talk to
  /open <id>         open a conversation
  /older             load older messages
  /attach <path>     attach a jpeg, png or pdf to the next message
  /detach            drop the pending attachment
  /download <n>      print the download link for message n
  /help              show this help
  /quit              leave
Anything else is sent as a message.`

func newChatCmd(env *environment) *cobra.Command {
	var opts struct {
		token string
		with  string
	}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := opts.token
			if token == "" {
				token = os.Getenv("TELECHAT_TOKEN")
			}
			if token == "" {
				return errors.New("--token or TELECHAT_TOKEN is required")
			}
			sess, err := session.Parse([]byte(env.cfg.JWTSecret), token)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), env, sess, token, opts.with)
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "session token from `telechat token`")
	cmd.Flags().StringVar(&opts.with, "with", "", "open a conversation with this participant on start")
	return cmd
}

func runChat(ctx context.Context, env *environment, sess *session.Session, token, with string) error {
	defer sess.End()

	local, err := localStore(env)
	if err != nil {
		return err
	}
	defer local.Close()
	store, owned, err := documentStore(ctx, env, local)
	if err != nil {
		return err
	}
	if owned {
		defer store.Close()
	}

	var current atomic.Pointer[chat.Engine]
	events, feedCloser, err := openFeed(ctx, env, feedOptions{
		token: token,
		onReconnect: func() {
			engine := current.Load()
			if engine == nil {
				return
			}
			if _, err := engine.CatchUp(context.Background()); err != nil {
				log.Warningf("catch up after reconnect: %v", err)
			}
		},
	})
	if err != nil {
		return err
	}

	blobs := storage.NewBlobStore(local, env.dataDir, storage.DefaultBucket, env.cfg.PublicBaseURL)
	b, err := backend.New(store, events, blobs)
	if err != nil {
		_ = feedCloser.Close()
		return err
	}
	b.OnClose(feedCloser)
	defer func() {
		if err := b.Close(); err != nil {
			log.Warningf("close backend: %v", err)
		}
	}()

	term := newTerminal(env.out)
	bell := notify.NewTerminal(term, true)
	defer bell.Close()

	changes := make(chan struct{}, 1)
	opts := b.EngineOptions(sess)
	opts.PageSize = env.cfg.PageSize
	opts.TypingExpiry = time.Duration(env.cfg.TypingExpiryMS) * time.Millisecond
	opts.TypingDebounce = time.Duration(env.cfg.TypingDebounceMS) * time.Millisecond
	opts.MaxAttachmentSize = env.cfg.MaxAttachmentSize
	opts.Notifier = notify.NewGate(notify.Multi{notify.Log{}, bell}, env.cfg.NotificationsEnabled)
	opts.OnChange = func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	engine, err := chat.New(opts)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	current.Store(engine)
	defer engine.Close()

	cs := &chatSession{engine: engine, term: term, printed: strset.New()}
	term.printf("Signed in as %s (%s). Type /help for commands.\n", sess.Name, sess.Role)
	if with != "" {
		if err := cs.open(ctx, with); err != nil {
			term.printf("! %v\n", err)
		}
	} else if err := cs.contacts(ctx); err != nil {
		term.printf("! %v\n", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	lines := readLines(ctx, env.in)

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				cs.render()
			}
		}
	})
	group.Go(func() error {
		defer cs.detach()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := cs.handle(ctx, line); err != nil {
					if errors.Is(err, errQuit) {
						return errQuit
					}
					term.printf("! %v\n", err)
				}
			}
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

// readLines feeds input lines to a channel until EOF or ctx ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// terminal serializes writes from the input and render goroutines.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// chatSession renders engine snapshots as lines and turns input lines into
// engine calls.
type chatSession struct {
	engine *chat.Engine
	term   *terminal

	mu          sync.Mutex
	counterpart string
	printed     *strset.Set
	typing      bool
	badges      int
	shownErr    error
	pending     *os.File
}

func (cs *chatSession) handle(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "/") {
		if err := cs.engine.UpdateDraft(ctx, line); err != nil {
			log.Debugf("typing signal: %v", err)
		}
		return cs.send(ctx)
	}

	command, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "quit", "exit":
		return errQuit
	case "help":
		cs.term.printf("%s\n", chatHelp)
		return nil
	case "contacts":
		return cs.contacts(ctx)
	case "open":
		if arg == "" {
			return errors.New("usage: /open <id>")
		}
		return cs.open(ctx, arg)
	case "older":
		added, err := cs.engine.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if added == 0 {
			cs.term.printf("(no older messages)\n")
			return nil
		}
		cs.reprint()
		return nil
	case "attach":
		if arg == "" {
			return errors.New("usage: /attach <path>")
		}
		return cs.attach(arg)
	case "detach":
		cs.detach()
		cs.term.printf("(attachment removed)\n")
		return nil
	case "download":
		return cs.download(ctx, arg)
	default:
		return fmt.Errorf("unknown command /%s, try /help", command)
	}
}

func (cs *chatSession) contacts(ctx context.Context) error {
	contacts, err := cs.engine.Contacts(ctx)
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		cs.term.printf("(no contacts yet)\n")
		return nil
	}
	unread := cs.engine.Snapshot().Unread
	cs.term.printf("Contacts:\n")
	for _, c := range contacts {
		badge := ""
		if n := unread[c.ID]; n > 0 {
			badge = fmt.Sprintf(" [%d unread]", n)
		}
		cs.term.printf("  %-20s %s%s\n", c.ID, c.Name, badge)
	}
	return nil
}

func (cs *chatSession) open(ctx context.Context, counterpartID string) error {
	cs.mu.Lock()
	cs.counterpart = counterpartID
	cs.printed.Clear()
	cs.typing = false
	cs.mu.Unlock()
	cs.detach()

	if err := cs.engine.OpenConversation(ctx, counterpartID); err != nil {
		return err
	}
	view := cs.engine.Snapshot()
	cs.term.printf("--- %s ---\n", displayName(view.CounterpartName, counterpartID))
	cs.render()
	return nil
}

func (cs *chatSession) send(ctx context.Context) error {
	_, err := cs.engine.Send(ctx)
	if errors.Is(err, chat.ErrNothingToSend) || errors.Is(err, chat.ErrSendInFlight) {
		return nil
	}
	if err != nil {
		cs.mu.Lock()
		cs.shownErr = err
		cs.mu.Unlock()
		return err
	}
	cs.closePending()
	cs.render()
	return nil
}

func (cs *chatSession) attach(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat attachment: %w", err)
	}

	upload := models.Upload{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Size:        info.Size(),
		Content:     file,
	}
	if err := cs.engine.Attach(upload); err != nil {
		_ = file.Close()
		return err
	}

	cs.closePending()
	cs.mu.Lock()
	cs.pending = file
	cs.mu.Unlock()
	cs.term.printf("(attached %s, send a message or an empty line to upload)\n", upload.Name)
	return nil
}

func (cs *chatSession) detach() {
	cs.engine.ClearAttachment()
	cs.closePending()
}

func (cs *chatSession) closePending() {
	cs.mu.Lock()
	pending := cs.pending
	cs.pending = nil
	cs.mu.Unlock()
	if pending != nil {
		_ = pending.Close()
	}
}

func (cs *chatSession) download(ctx context.Context, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return errors.New("usage: /download <message number>")
	}
	messages := cs.engine.Snapshot().Messages
	if n < 1 || n > len(messages) {
		return fmt.Errorf("no message %d", n)
	}
	url, err := cs.engine.DownloadURL(ctx, messages[n-1])
	if err != nil {
		return err
	}
	cs.term.printf("%s\n", url)
	return nil
}

// render prints messages not shown yet plus typing and unread changes.
func (cs *chatSession) render() {
	view := cs.engine.Snapshot()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if view.Counterpart != cs.counterpart {
		return
	}

	name := displayName(view.CounterpartName, view.Counterpart)
	for i, m := range view.Messages {
		if cs.printed.Has(m.ID) {
			continue
		}
		cs.printed.Add(m.ID)
		cs.term.printf("%s\n", formatMessage(i+1, m, view.Counterpart, name))
	}
	if view.CounterpartTyping != cs.typing {
		cs.typing = view.CounterpartTyping
		if cs.typing {
			cs.term.printf("(%s is typing...)\n", name)
		}
	}
	if view.Badges != cs.badges {
		cs.badges = view.Badges
		if cs.badges > 0 {
			cs.term.printf("(%d conversation(s) with unread messages, /contacts to see them)\n", cs.badges)
		}
	}
	if view.Err != nil && view.Err != cs.shownErr {
		cs.shownErr = view.Err
		cs.term.printf("! %v\n", view.Err)
	}
}

// reprint clears the printed set so prepended history renders in order.
func (cs *chatSession) reprint() {
	cs.mu.Lock()
	cs.printed.Clear()
	cs.mu.Unlock()
	cs.term.printf("--- history ---\n")
	cs.render()
}

func formatMessage(n int, m models.Message, counterpartID, counterpartName string) string {
	who := "you"
	if m.SenderID == counterpartID {
		who = counterpartName
	}
	text := m.Body
	if m.Attachment != nil {
		file := "[file: " + m.Attachment.FileName + "]"
		if text == "" {
			text = file
		} else {
			text += " " + file
		}
	}
	return fmt.Sprintf("%3d %s %s: %s", n, m.CreatedAt.Local().Format("15:04"), who, text)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
