package peer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/monitor"
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport/tcp"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport/udp"
)

var (
	ErrFileNotFound  = errors.New("file not found on the network")
	ErrDirectoryFull = errors.New("tracker directory is full")
	ErrLookupTimeout = errors.New("no lookup answer from tracker")
	ErrNotRunning    = errors.New("peer is not running")
)

type lookupResult struct {
	answer protocol.LookupAnswer
	err    error
}

// Peer hosts the files of its shared directory and fetches files from other
// peers. The control plane talks to the tracker over Control; file bytes
// move over Data.
type Peer struct {
	cfg     Config
	Control transport.ControlChannel
	Data    transport.DataChannel
	catalog *Catalog
	events  chan Event

	mu        sync.Mutex
	state     State
	running   bool
	dataTuple netip.AddrPort
	lastToken string
	lastReply time.Time
	lookups   int
	pending   map[string][]chan lookupResult

	cancel   context.CancelFunc
	loopDone chan struct{}
}

func NewPeer(cfg Config) *Peer {
	ctl := udp.NewUDPTransport(udp.UDPTransportOpts{ListenAddr: cfg.ControlListen})
	data := tcp.NewTCPTransport(tcp.TCPTransportOpts{
		ListenAddr:  cfg.DataListen,
		DialTimeout: cfg.DialTimeout,
	})
	return NewPeerWithTransports(cfg, ctl, data)
}

func NewPeerWithTransports(cfg Config, ctl transport.ControlChannel, data transport.DataChannel) *Peer {
	p := &Peer{
		cfg:     cfg,
		Control: ctl,
		Data:    data,
		catalog: NewCatalog(cfg.SharedDir),
		events:  make(chan Event, 64),
		state:   StateDisconnected,
		pending: make(map[string][]chan lookupResult),
	}
	data.SetOnConn(p.serveFile)

	logger.Sugar.Infof("[Peer] Initialized: user=%s tracker=%s shared=%s", cfg.Username, cfg.TrackerAddr, cfg.SharedDir)
	return p
}

// Start scans the catalog, opens both listeners and announces to the tracker.
// It returns once the announce is sent; the control loop keeps running until
// Stop or until ctx is cancelled.
func (p *Peer) Start(ctx context.Context) error {
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid peer config: %w", err)
	}
	p.mu.Lock()
	if p.running || p.state == StateShuttingDown {
		p.mu.Unlock()
		return fmt.Errorf("peer already started")
	}
	p.mu.Unlock()

	files, err := p.catalog.Scan()
	if err != nil {
		return err
	}
	if err := p.Data.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start data listener: %w", err)
	}
	if l, ok := p.Control.(interface{ Listen() error }); ok {
		if err := l.Listen(); err != nil {
			return multierr.Append(fmt.Errorf("failed to open control channel: %w", err), p.Data.Close())
		}
	}

	tuple := p.advertisedTuple()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.dataTuple = tuple
	p.running = true
	p.cancel = cancel
	p.loopDone = done
	p.mu.Unlock()

	go p.loop(ctx, done)

	logger.Sugar.Infof("[Peer] started: user=%s control=%s data=%s files=%d",
		p.cfg.Username, p.Control.LocalAddr(), tuple, len(files))
	return p.Announce()
}

// advertisedTuple picks the address other peers should dial: the configured
// one, else the listener's own, else the interface that routes to the tracker.
// An unspecified address is left for the tracker to fill in.
func (p *Peer) advertisedTuple() netip.AddrPort {
	listen := p.Data.Addr()
	if p.cfg.AdvertiseIP.IsValid() {
		return netip.AddrPortFrom(p.cfg.AdvertiseIP, listen.Port())
	}
	if !listen.Addr().IsUnspecified() {
		return listen
	}
	ip, err := udp.OutboundIP(p.cfg.TrackerAddr)
	if err != nil {
		logger.Sugar.Warnf("[Peer] cannot determine outbound address, tracker will fill it in: err=%v", err)
		return netip.AddrPortFrom(netip.IPv4Unspecified(), listen.Port())
	}
	return netip.AddrPortFrom(ip, listen.Port())
}

func (p *Peer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer logger.Sugar.Infof("[Peer] control loop stopped: user=%s", p.cfg.Username)

	for {
		select {
		case dg, ok := <-p.Control.Consume():
			if !ok {
				return
			}
			p.handleDatagram(dg)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) handleDatagram(dg transport.Datagram) {
	if dg.From != p.cfg.TrackerAddr {
		logger.Sugar.Debugf("[Peer] dropping datagram from non-tracker address: from=%s", dg.From)
		return
	}
	pkt, err := protocol.Decode(dg.Payload)
	if err != nil {
		logger.Sugar.Warnf("[Peer] dropping malformed packet: from=%s err=%v", dg.From, err)
		return
	}

	switch pkt.Type {
	case protocol.TypeConnection:
		p.handleConnectionReply(pkt)
	case protocol.TypeStatus:
		p.handleProbe(pkt)
	case protocol.TypeResource:
		p.handleResourceList(pkt)
	case protocol.TypeTCPInfo:
		p.handleLookupAnswer(pkt)
	default:
		logger.Sugar.Warnf("[Peer] unexpected packet type from tracker: type=%s", pkt.Type)
	}
}

func (p *Peer) handleConnectionReply(pkt protocol.Packet) {
	if !protocol.IsDirectoryFull(pkt) {
		logger.Sugar.Warnf("[Peer] unexpected connection packet from tracker: data=%q", pkt.Data)
		return
	}

	logger.Sugar.Warnf("[Peer] tracker rejected announce: directory full")
	p.mu.Lock()
	if p.state != StateShuttingDown {
		p.state = StateDisconnected
	}
	waiters := p.drainWaitersLocked()
	p.mu.Unlock()

	for _, w := range waiters {
		deliver(w, lookupResult{err: ErrDirectoryFull})
	}
	p.emit(Event{Type: EventDirectoryFull, Err: ErrDirectoryFull})
}

// handleProbe answers a heartbeat unless the same probe data was already
// answered within ProbeSuppressWindow. Trackers that send constant probe data
// still get one reply per cycle.
func (p *Peer) handleProbe(pkt protocol.Packet) {
	probe := protocol.ParseProbe(pkt)
	now := time.Now()

	p.mu.Lock()
	duplicate := !p.lastReply.IsZero() &&
		probe.Token == p.lastToken &&
		now.Sub(p.lastReply) < p.cfg.ProbeSuppressWindow
	if !duplicate {
		p.lastToken = probe.Token
		p.lastReply = now
	}
	p.markIdleLocked()
	p.mu.Unlock()

	if duplicate {
		logger.Sugar.Debugf("[Peer] suppressing repeated probe: token=%s", probe.Token)
		return
	}

	reply, err := probe.Packet()
	if err == nil {
		err = p.sendToTracker(reply)
	}
	if err != nil {
		logger.Sugar.Warnf("[Peer] status reply failed: err=%v", err)
	}
}

func (p *Peer) handleResourceList(pkt protocol.Packet) {
	pairs, err := protocol.ParseResourceList(pkt)
	if err != nil {
		logger.Sugar.Warnf("[Peer] dropping malformed resource list: err=%v", err)
		return
	}
	p.mu.Lock()
	p.markIdleLocked()
	p.mu.Unlock()

	p.emit(Event{Type: EventResourceListing, Resources: pairs})
}

func (p *Peer) handleLookupAnswer(pkt protocol.Packet) {
	answer, err := protocol.ParseLookupAnswer(pkt)
	if err != nil {
		logger.Sugar.Warnf("[Peer] dropping malformed lookup answer: err=%v", err)
		return
	}

	p.mu.Lock()
	var waiters []chan lookupResult
	if answer.Filename == "" {
		// A bare sentinel cannot be matched to a filename, so every
		// outstanding lookup takes it.
		for _, ws := range p.pending {
			waiters = append(waiters, ws...)
		}
	} else {
		waiters = append(waiters, p.pending[answer.Filename]...)
	}
	p.mu.Unlock()

	if len(waiters) == 0 {
		logger.Sugar.Debugf("[Peer] lookup answer with no waiter: file=%s", answer.Filename)
		return
	}
	for _, w := range waiters {
		deliver(w, lookupResult{answer: answer})
	}
}

func deliver(w chan lookupResult, r lookupResult) {
	select {
	case w <- r:
	default:
	}
}

func (p *Peer) markIdleLocked() {
	if p.state == StateAnnounced {
		p.state = StateIdle
	}
}

func (p *Peer) drainWaitersLocked() []chan lookupResult {
	var waiters []chan lookupResult
	for _, ws := range p.pending {
		waiters = append(waiters, ws...)
	}
	p.pending = make(map[string][]chan lookupResult)
	p.lookups = 0
	return waiters
}

func (p *Peer) addWaiter(filename string, w chan lookupResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotRunning
	}
	if p.state == StateDisconnected {
		return ErrDirectoryFull
	}
	p.pending[filename] = append(p.pending[filename], w)
	p.lookups++
	p.state = StateAwaitingLookup
	return nil
}

func (p *Peer) removeWaiter(filename string, w chan lookupResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ws := p.pending[filename]
	for i, c := range ws {
		if c != w {
			continue
		}
		ws = append(ws[:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(p.pending, filename)
		} else {
			p.pending[filename] = ws
		}
		p.lookups--
		if p.lookups == 0 && p.state == StateAwaitingLookup {
			p.state = StateIdle
		}
		return
	}
}

// Lookup asks the tracker who hosts filename. The request is resent with
// exponential backoff until an answer arrives or LookupTimeout runs out.
func (p *Peer) Lookup(ctx context.Context, filename string) (netip.AddrPort, error) {
	if err := validFilename(filename); err != nil {
		return netip.AddrPort{}, err
	}
	req, err := protocol.LookupRequest{Filename: filename}.Packet()
	if err != nil {
		return netip.AddrPort{}, err
	}

	waiter := make(chan lookupResult, 1)
	if err := p.addWaiter(filename, waiter); err != nil {
		return netip.AddrPort{}, err
	}
	defer p.removeWaiter(filename, waiter)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = p.cfg.LookupTimeout

	var result lookupResult
	attempt := 0
	op := func() error {
		attempt++
		select {
		case result = <-waiter:
			return nil
		default:
		}
		if err := p.sendToTracker(req); err != nil {
			return err
		}
		timer := time.NewTimer(p.cfg.LookupAttemptWait)
		defer timer.Stop()

		select {
		case result = <-waiter:
			return nil
		case <-timer.C:
			logger.Sugar.Debugf("[Peer] lookup attempt unanswered: file=%s attempt=%d", filename, attempt)
			return ErrLookupTimeout
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("lookup %s after %d attempts: %w", filename, attempt, err)
	}
	if result.err != nil {
		return netip.AddrPort{}, result.err
	}
	if !result.answer.Found {
		logger.Sugar.Infof("[Peer] lookup miss: file=%s", filename)
		p.emit(Event{Type: EventLookupMiss, Filename: filename, Err: ErrFileNotFound})
		return netip.AddrPort{}, fmt.Errorf("%s: %w", filename, ErrFileNotFound)
	}
	return result.answer.Host, nil
}

// Fetch locates filename through the tracker and downloads it from its host.
// It returns the path of the completed file.
func (p *Peer) Fetch(ctx context.Context, filename string) (string, error) {
	host, err := p.Lookup(ctx, filename)
	if err != nil {
		return "", err
	}
	logger.Sugar.Infof("[Peer] lookup hit: file=%s host=%s", filename, host)

	path, n, err := p.fetch(ctx, host, filename)
	if err != nil {
		p.emit(Event{Type: EventTransferFailed, Filename: filename, Bytes: n, Err: err})
		return "", err
	}
	p.emit(Event{Type: EventTransferComplete, Filename: filename, Path: path, Bytes: n})

	if filepath.Clean(p.cfg.DownloadDir) == filepath.Clean(p.cfg.SharedDir) {
		// The download landed in the shared directory; start hosting it.
		if _, err := p.Rescan(); err == nil {
			if err := p.Announce(); err != nil {
				logger.Sugar.Warnf("[Peer] re-announce after download failed: err=%v", err)
			}
		}
	}
	return path, nil
}

// Announce sends the current catalog to the tracker. Files that do not fit
// in one packet are left out with a warning.
func (p *Peer) Announce() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	tuple := p.dataTuple
	p.mu.Unlock()

	ann, dropped := protocol.Announce{
		Username: p.cfg.Username,
		Data:     tuple,
		Files:    p.catalog.Files(),
	}.TrimToFit()
	if len(dropped) > 0 {
		logger.Sugar.Warnf("[Peer] catalog too large for one announce, not announcing %d files: %v", len(dropped), dropped)
	}

	pkt, err := ann.Packet()
	if err != nil {
		return err
	}
	if err := p.sendToTracker(pkt); err != nil {
		return fmt.Errorf("send announce: %w", err)
	}

	p.mu.Lock()
	if p.running && p.lookups == 0 {
		p.state = StateAnnounced
	}
	p.mu.Unlock()

	logger.Sugar.Infof("[Peer] announced: user=%s data=%s files=%d", p.cfg.Username, tuple, len(ann.Files))
	return nil
}

// Rescan rereads the shared directory. Call Announce to publish the result.
func (p *Peer) Rescan() ([]string, error) {
	return p.catalog.Scan()
}

// RequestResources asks the tracker for the network-wide catalog. Answers
// arrive as EventResourceListing.
func (p *Peer) RequestResources() error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return p.sendToTracker(protocol.Packet{Type: protocol.TypeResource})
}

func (p *Peer) sendToTracker(pkt protocol.Packet) error {
	raw, err := protocol.EncodePacket(pkt)
	if err != nil {
		return err
	}
	return p.Control.SendTo(p.cfg.TrackerAddr, raw)
}

func (p *Peer) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		logger.Sugar.Warnf("[Peer] event queue full, dropping event: type=%s", ev.Type)
	}
}

// Events delivers resource listings, lookup misses and transfer outcomes.
func (p *Peer) Events() <-chan Event {
	return p.events
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// DataAddr is the data tuple announced to the tracker.
func (p *Peer) DataAddr() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataTuple
}

func (p *Peer) ControlAddr() netip.AddrPort {
	return p.Control.LocalAddr()
}

func (p *Peer) SharedFiles() []string {
	return p.catalog.Files()
}

func (p *Peer) GetStatus() string {
	stats := monitor.Global.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Peer: %s\n", p.cfg.Username)
	fmt.Fprintf(&sb, "State: %s\n", p.State())
	fmt.Fprintf(&sb, "Tracker: %s\n", p.cfg.TrackerAddr)
	fmt.Fprintf(&sb, "Control Address: %s\n", p.ControlAddr())
	fmt.Fprintf(&sb, "Data Address: %s\n", p.DataAddr())
	fmt.Fprintf(&sb, "Shared Files: %d (%s)\n", len(p.catalog.Files()), p.catalog.Dir())
	fmt.Fprintf(&sb, "Transfers: %d completed, %d failed, %s moved\n",
		stats.TransferCount, stats.FailedCount, formatBytes(float64(stats.TransferBytes)))
	return sb.String()
}

// Stop closes both channels, which aborts in-flight transfers, and fails
// outstanding lookups with ErrNotRunning. The tracker notices through missed
// heartbeats.
func (p *Peer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.state = StateShuttingDown
	cancel := p.cancel
	done := p.loopDone
	waiters := p.drainWaitersLocked()
	p.mu.Unlock()

	logger.Sugar.Infof("[Peer] stopping: user=%s", p.cfg.Username)
	cancel()
	for _, w := range waiters {
		deliver(w, lookupResult{err: ErrNotRunning})
	}

	err := multierr.Combine(p.Data.Close(), p.Control.Close())
	<-done
	return err
}

func validFilename(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid filename %q", name)
	}
	if !protocol.ValidName(name) {
		return fmt.Errorf("filename %q: %w", name, protocol.ErrReservedByte)
	}
	return nil
}
