package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeersUpdate is published with the full peer table snapshot
	// whenever it changes.
	EventPeersUpdate = "peers-update"
)

// Peer is a remote endpoint discovered on the local network.
// The peer table is keyed by Address: IPv4 and IPv6 records for the same
// physical host are kept as separate entries rather than merged;
// presentation is left to the consumer.
type Peer struct {
	Address  string
	Port     int
	Alias    string
	Hostname string
	LastSeen time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse rounds,
// evicting stale records on its own schedule independent of scan cadence.
type PeerScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	onUpdate func([]Peer)

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied. onUpdate,
// if non-nil, is invoked with a full snapshot whenever the table changes.
func NewPeerScanner(config Config, onUpdate...func([]Peer)) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	s := &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]Peer),
		refreshRequests: make(chan refreshRequest),
	}
	if len(onUpdate) > 0 {
		s.onUpdate = onUpdate[0]
	}
	return s, nil
}

// Start begins background peer scanning. Idempotent.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(3)
		go s.scanLoop()
		go s.evictionLoop()
		go s.interfaceWatchLoop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh triggers an immediate scan round.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns a snapshot of the current peer table, sorted by
// address for deterministic iteration.
func (s *PeerScanner) ListPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *PeerScanner) scanLoop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) evictionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictStale()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) evictStale() {
	now := time.Now()

	s.mu.Lock()
	changed := false
	for address, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.EvictionTTL {
			delete(s.peers, address)
			changed = true
		}
	}
	var snapshotLocked []Peer
	if changed {
		snapshotLocked = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(snapshotLocked)
	}
}

// interfaceWatchLoop reinitialises the browser whenever the set of network
// interface names changes, so a newly connected or disconnected NIC takes
// effect without a process restart.
func (s *PeerScanner) interfaceWatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.InterfacePollInterval)
	defer ticker.Stop()

	previous := interfaceNameSet()
	for {
		select {
		case <-ticker.C:
			current := interfaceNameSet()
			if !sameStringSet(previous, current) {
				previous = current
				s.runScan(context.Background())
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func interfaceNameSet() map[string]struct{} {
	out := make(map[string]struct{})
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		out[iface.Name] = struct{}{}
	}
	return out
}

func sameStringSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make([]Peer, 0, 8)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peers := parseEntry(entry, s.cfg.SelfFingerprint)
				if len(peers) == 0 {
					continue
				}
				collectedMu.Lock()
				collected = append(collected, peers...)
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applyUpserts(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applyUpserts(discovered []Peer) {
	s.mu.Lock()
	changed := false
	for _, peer := range discovered {
		existing, ok := s.peers[peer.Address]
		if !ok || !peersEqual(existing, peer) {
			changed = true
		}
		s.peers[peer.Address] = peer
	}
	var snapshotLocked []Peer
	if changed {
		snapshotLocked = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(snapshotLocked)
	}
}

// snapshotLocked must be called with s.mu held.
func (s *PeerScanner) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *PeerScanner) notify(snapshot []Peer) {
	if s.onUpdate != nil {
		s.onUpdate(snapshot)
	}
}

// parseEntry yields one Peer per discovered address: keeps IPv4 and
// IPv6 records for the same host as distinct table entries.
func parseEntry(entry *zeroconf.ServiceEntry, selfFingerprint string) []Peer {
	txt := txtToMap(entry.Text)

	fingerprint := strings.TrimSpace(txt["fingerprint"])
	if fingerprint == "" || fingerprint == selfFingerprint {
		return nil
	}

	alias := strings.TrimSpace(txt["alias"])
	if alias == "" {
		alias = strings.TrimSpace(entry.Instance)
	}

	now := time.Now()
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}

	peers := make([]Peer, 0, len(addresses))
	for _, address := range addresses {
		peers = append(peers, Peer{
			Address:  address,
			Port:     entry.Port,
			Alias:    alias,
			Hostname: entry.HostName,
			LastSeen: now,
		})
	}
	return peers
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b Peer) bool {
	return a.Address == b.Address &&
		a.Port == b.Port &&
		a.Alias == b.Alias &&
		a.Hostname == b.Hostname
}
