package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNoRelay is returned by Lookup when no relay answered in time.
var ErrNoRelay = errors.New("no relay found on the local network")

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies scanner updates.
type EventType string

// Event carries one scanner update.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is an advertised relay endpoint.
type Relay struct {
	ID        string
	Name      string
	Version   int
	HostName  string
	Port      int
	Path      string
	Scheme    string
	Addresses []string
	LastSeen  time.Time
}

// URL returns the websocket URL of the relay's first address.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return r.Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner keeps a live list of relays with periodic and manual browses.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu     sync.RWMutex
	relays map[string]Relay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]Relay),
		events:          make(chan Event, 32),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background browsing and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers relay appearance and removal updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a browse immediately and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// Relays returns the relays seen in the last browse, sorted by name.
func (s *Scanner) Relays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Relay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}
	sortRelays(out)
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.scan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.scan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) scan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	found, err := collect(scanCtx, s.cfg, s.browse)
	if err != nil {
		log.Warningf("browse %s: %v", s.cfg.Service, err)
		return err
	}
	s.apply(found)
	return nil
}

func (s *Scanner) apply(next map[string]Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emit(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}
	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emit(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// Lookup browses once and returns the first relay by name.
func Lookup(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Relay{}, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	found, err := collect(scanCtx, cfg, browse)
	if err != nil {
		return Relay{}, err
	}
	if err := ctx.Err(); err != nil {
		return Relay{}, err
	}

	relays := make([]Relay, 0, len(found))
	for _, relay := range found {
		relays = append(relays, relay)
	}
	if len(relays) == 0 {
		return Relay{}, ErrNoRelay
	}
	sortRelays(relays)
	return relays[0], nil
}

// collect browses until ctx ends and returns the relays seen, keyed by ID.
func collect(ctx context.Context, cfg Config, browse browseFunc) (map[string]Relay, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]Relay)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.Version)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				found[relay.ID] = relay
			}
		}
	}()

	if err := browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	<-done
	return found, nil
}

// parseEntry converts a browse result. Entries without a relay ID or with a
// newer protocol version are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, maxVersion int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	id := txt["relay_id"]
	if id == "" {
		return Relay{}, false
	}
	version, err := strconv.Atoi(txt["version"])
	if err != nil || version > maxVersion {
		return Relay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = id
	}
	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}
	scheme := txt["scheme"]
	if scheme != "wss" {
		scheme = "ws"
	}

	return Relay{
		ID:        id,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Path:      path,
		Scheme:    scheme,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sortRelays(relays []Relay) {
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Name == relays[j].Name {
			return relays[i].ID < relays[j].ID
		}
		return relays[i].Name < relays[j].Name
	})
}

func relaysEqual(a, b Relay) bool {
	if a.ID != b.ID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Path != b.Path ||
		a.Scheme != b.Scheme ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
