// Package discovery publishes this device's presence over multicast DNS and
// maintains a live table of peers seen on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_localshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultProtocolVersion is the TXT record protocol version.
	DefaultProtocolVersion = 1
	// DefaultAnnounceInterval is how often the local record is considered fresh.
	DefaultAnnounceInterval = 30 * time.Second
	// DefaultEvictionTTL removes a peer record after this much silence —
	// twice the announce interval.
	DefaultEvictionTTL = 2 * DefaultAnnounceInterval
	// DefaultScanTimeout bounds each discovery browse round.
	DefaultScanTimeout = 3 * time.Second
	// DefaultInterfacePollInterval controls how often the interface list is
	// diffed to detect a network change that should trigger a browser restart.
	DefaultInterfacePollInterval = 5 * time.Second
	// MaxBindBackoff caps the exponential backoff between bind retries.
	MaxBindBackoff = 60 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service               string
	Domain                string
	ProtocolVersion       int
	AnnounceInterval      time.Duration
	EvictionTTL           time.Duration
	ScanTimeout           time.Duration
	InterfacePollInterval time.Duration

	Alias           string
	ListeningPort   int
	SelfFingerprint string

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
	if out.ProtocolVersion == 0 {
		out.ProtocolVersion = DefaultProtocolVersion
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.EvictionTTL <= 0 {
		out.EvictionTTL = DefaultEvictionTTL
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.InterfacePollInterval <= 0 {
		out.InterfacePollInterval = DefaultInterfacePollInterval
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.Alias) == "" {
		return errors.New("alias is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfFingerprint) == "" {
		return errors.New("self fingerprint is required")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS. Bind failures are
// reported once on Errors() and retried in the background with exponential
// backoff capped at MaxBindBackoff.
type Broadcaster struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server

	errs    chan error
	errOnce sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		cfg:    cfg,
		errs:   make(chan error, 4),
		ctx:    ctx,
		cancel: cancel,
	}

	server, err := cfg.registerFn(cfg.Alias, cfg.Service, cfg.Domain, cfg.ListeningPort, txtRecord(cfg), nil)
	if err == nil {
		b.server = server
		return b, nil
	}

	b.reportBindError(fmt.Errorf("register mDNS service: %w", err))
	b.wg.Add(1)
	go b.retryRegister()
	return b, nil
}

func txtRecord(cfg Config) []string {
	return []string{
		"alias=" + cfg.Alias,
		"fingerprint=" + cfg.SelfFingerprint,
		"protocol_version=" + strconv.Itoa(cfg.ProtocolVersion),
	}
}

func (b *Broadcaster) reportBindError(err error) {
	b.errOnce.Do(func() {
		select {
		case b.errs <- err:
		default:
		}
	})
}

// Errors reports bind failures. At most one error is ever reported before a
// successful bind.
func (b *Broadcaster) Errors() <-chan error {
	return b.errs
}

func (b *Broadcaster) retryRegister() {
	defer b.wg.Done()

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 500 * time.Millisecond
	boff.MaxInterval = MaxBindBackoff
	boff.MaxElapsedTime = 0 // retry indefinitely until Stop
	boff.Reset()

	for {
		wait := boff.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		server, err := b.cfg.registerFn(b.cfg.Alias, b.cfg.Service, b.cfg.Domain, b.cfg.ListeningPort, txtRecord(b.cfg), nil)
		if err != nil {
			log.Printf("discovery: mDNS bind retry failed: %v", err)
			continue
		}

		b.mu.Lock()
		b.server = server
		b.mu.Unlock()
		log.Printf("discovery: mDNS bind succeeded after retry")
		return
	}
}

// Rebind re-registers the mDNS service under a new alias: shuts down the
// current server and registers a fresh one, leaving service/domain/port
// untouched. Used when config.Store.Save changes the alias.
func (b *Broadcaster) Rebind(alias string) error {
	b.mu.Lock()
	oldServer := b.server
	b.server = nil
	b.cfg.Alias = alias
	cfg := b.cfg
	b.mu.Unlock()

	if oldServer != nil {
		oldServer.Shutdown()
	}

	server, err := cfg.registerFn(cfg.Alias, cfg.Service, cfg.Domain, cfg.ListeningPort, txtRecord(cfg), nil)
	if err != nil {
		b.reportBindError(fmt.Errorf("register mDNS service after alias change: %w", err))
		return err
	}

	b.mu.Lock()
	b.server = server
	b.mu.Unlock()
	return nil
}

// Stop sends a goodbye and tears down sockets.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	server := b.server
	b.server = nil
	b.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
}

// Service coordinates mDNS broadcast and scanning, the top-level handle
// used by the rest of the process (operations start/stop/refresh/
// peers).
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start begins publishing and browsing. Each call registers a new
// broadcaster and scanner; repeated calls are not deduplicated.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}

// Refresh re-queries all peers (equivalent of restarting the browser for
// one round).
func (s *Service) Refresh(ctx context.Context) error {
	if s == nil || s.Scanner == nil {
		return errors.New("discovery service is not running")
	}
	return s.Scanner.Refresh(ctx)
}

// Rebind re-registers the mDNS broadcast under a new alias, for config's
// alias-changed event.
func (s *Service) Rebind(alias string) error {
	if s == nil || s.Broadcaster == nil {
		return errors.New("discovery service is not running")
	}
	return s.Broadcaster.Rebind(alias)
}

// Peers returns a snapshot of the current peer table.
func (s *Service) Peers() []Peer {
	if s == nil || s.Scanner == nil {
		return nil
	}
	return s.Scanner.ListPeers()
}
