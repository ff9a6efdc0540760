// Package discovery advertises a telechat relay on the LAN over mDNS and lets
// chat clients find one without configuring its address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("discovery")

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_telechat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultPath is the websocket endpoint advertised in TXT records.
	DefaultPath = "/ws"
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// RelayID and RelayName identify the advertised relay.
	RelayID   string
	RelayName string
	Port      int
	// Path is the websocket endpoint on the relay.
	Path string
	// TLS advertises wss instead of ws.
	TLS bool

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.RelayName) == "" {
		return errors.New("relay name is required")
	}
	if c.Port <= 0 {
		return errors.New("relay port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("relay path %q must start with /", c.Path)
	}
	return nil
}

// Advertiser publishes a relay via mDNS until stopped.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay described by config.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	scheme := "ws"
	if cfg.TLS {
		scheme = "wss"
	}
	txt := []string{
		"relay_id=" + cfg.RelayID,
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + cfg.Path,
		"scheme=" + scheme,
	}

	server, err := cfg.registerFn(cfg.RelayName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log.Infof("advertising relay %q on port %d", cfg.RelayName, cfg.Port)
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
