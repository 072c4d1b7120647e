package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/p2p-rendezvous/pkg/discovery"
	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport/udp"
)

// Tracker is the rendezvous server. It owns the directory and answers the
// control plane; it never sees file bytes.
type Tracker struct {
	cfg        Config
	Directory  *Directory
	Transport  transport.ControlChannel
	supervisor *Supervisor
	advertiser *discovery.Advertiser

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewTracker(cfg Config) *Tracker {
	trans := udp.NewUDPTransport(udp.UDPTransportOpts{ListenAddr: cfg.ListenAddr})
	return NewTrackerWithTransport(cfg, trans)
}

// NewTrackerWithTransport builds a tracker over an already chosen control channel.
func NewTrackerWithTransport(cfg Config, ctl transport.ControlChannel) *Tracker {
	dir := NewDirectory(cfg.MaxSessions)
	return &Tracker{
		cfg:        cfg,
		Directory:  dir,
		Transport:  ctl,
		supervisor: NewSupervisor(dir, ctl, cfg.HeartbeatInterval, cfg.GraceWindow),
		advertiser: discovery.NewAdvertiser(),
	}
}

// OnEvict registers a hook run for every session the supervisor evicts.
func (t *Tracker) OnEvict(f func(PeerSession)) {
	t.supervisor.OnEvict = f
}

// Listen binds the control channel if it still needs binding.
func (t *Tracker) Listen() error {
	if err := t.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid tracker config: %w", err)
	}
	if l, ok := t.Transport.(interface{ Listen() error }); ok {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	return nil
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) error {
	logger.Sugar.Infof("[Tracker] starting tracker: listen=%s", t.cfg.ListenAddr)
	if err := t.Listen(); err != nil {
		return err
	}
	return t.Serve(ctx)
}

// Serve runs the control loop and the liveness supervisor as one task group.
func (t *Tracker) Serve(ctx context.Context) error {
	if err := t.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid tracker config: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	if t.cfg.Advertise {
		t.advertise()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.loop(gctx) })
	g.Go(func() error { return t.supervisor.Run(gctx) })
	return g.Wait()
}

func (t *Tracker) advertise() {
	port := int(t.Transport.LocalAddr().Port())
	meta := map[string]string{
		"version":         "1.0.0",
		discovery.RoleKey: discovery.RoleTracker,
	}
	if err := t.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[Tracker] failed to start mDNS advertisement: %v", err)
		return
	}
	logger.Sugar.Infof("[Tracker] mDNS advertisement started on port %d", port)
}

func (t *Tracker) loop(ctx context.Context) error {
	defer logger.Sugar.Info("[Tracker] control loop stopped")

	for {
		select {
		case dg, ok := <-t.Transport.Consume():
			if !ok {
				return nil
			}
			t.handleDatagram(dg)
		case <-ctx.Done():
			return nil
		}
	}
}

// handleDatagram never returns an error: anything wrong with a single
// datagram is logged and the datagram dropped.
func (t *Tracker) handleDatagram(dg transport.Datagram) {
	pkt, err := protocol.Decode(dg.Payload)
	if err != nil {
		logger.Sugar.Warnf("[Tracker] dropping malformed packet: from=%s err=%v", dg.From, err)
		return
	}

	switch pkt.Type {
	case protocol.TypeConnection:
		err = t.handleAnnounce(dg.From, pkt)
	case protocol.TypeStatus:
		t.handleStatus(dg.From, pkt)
	case protocol.TypeResource:
		err = t.handleResourceRequest(dg.From)
	case protocol.TypeTCPInfo:
		err = t.handleLookup(dg.From, pkt)
	default:
		logger.Sugar.Warnf("[Tracker] unexpected packet type: from=%s type=%s", dg.From, pkt.Type)
	}
	if err != nil {
		logger.Sugar.Warnf("[Tracker] handle packet failed: from=%s type=%s err=%v", dg.From, pkt.Type, err)
	}
}

func (t *Tracker) handleAnnounce(from netip.AddrPort, pkt protocol.Packet) error {
	ann, err := protocol.ParseAnnounce(pkt)
	if err != nil {
		return err
	}

	data := ann.Data
	if data.Addr().IsUnspecified() {
		data = netip.AddrPortFrom(from.Addr(), data.Port())
	}

	id, err := t.Directory.Register(from, data, ann.Username, ann.Files)
	if errors.Is(err, ErrDirectoryFull) {
		logger.Sugar.Warnf("[Tracker] directory full, rejecting: user=%s control=%s", ann.Username, from)
		return t.send(from, protocol.DirectoryFullPacket())
	}
	if err != nil {
		return err
	}

	logger.Sugar.Infof("[Tracker] peer registered: id=%d user=%s control=%s data=%s files=%d",
		id, ann.Username, from, data, len(ann.Files))
	return nil
}

func (t *Tracker) handleStatus(from netip.AddrPort, pkt protocol.Packet) {
	// Status is frequent; keep it quiet unless debugging.
	if !t.Directory.Touch(from) {
		logger.Sugar.Debugf("[Tracker] status from unknown peer ignored: from=%s", from)
		return
	}
	logger.Sugar.Debugf("[Tracker] status: from=%s token=%s", from, protocol.ParseProbe(pkt).Token)
}

func (t *Tracker) handleResourceRequest(from netip.AddrPort) error {
	entries := t.Directory.Snapshot()
	pairs := make([]protocol.ResourcePair, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, protocol.ResourcePair{Username: e.Owner, Filename: e.Filename})
	}

	packets, err := protocol.ResourcePackets(pairs)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if err := t.send(from, p); err != nil {
			return err
		}
	}
	logger.Sugar.Debugf("[Tracker] resources sent: to=%s entries=%d packets=%d", from, len(pairs), len(packets))
	return nil
}

func (t *Tracker) handleLookup(from netip.AddrPort, pkt protocol.Packet) error {
	req, err := protocol.ParseLookupRequest(pkt)
	if err != nil {
		return err
	}

	answer := protocol.LookupAnswer{Filename: req.Filename}
	if user, host, ok := t.Directory.LookupHost(req.Filename); ok {
		answer.Host = host
		answer.Found = true
		logger.Sugar.Infof("[Tracker] lookup hit: from=%s file=%s host=%s(%s)", from, req.Filename, user, host)
	} else {
		logger.Sugar.Infof("[Tracker] lookup miss: from=%s file=%s", from, req.Filename)
	}

	reply, err := answer.Packet()
	if err != nil {
		return err
	}
	return t.send(from, reply)
}

func (t *Tracker) send(to netip.AddrPort, pkt protocol.Packet) error {
	raw, err := protocol.EncodePacket(pkt)
	if err != nil {
		return err
	}
	return t.Transport.SendTo(to, raw)
}

func (t *Tracker) Addr() netip.AddrPort {
	return t.Transport.LocalAddr()
}

func (t *Tracker) GetStatus() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tracker Running on: %s\n", t.Addr())
	fmt.Fprintf(&sb, "Connected Peers: %d\n", t.Directory.Len())
	fmt.Fprintf(&sb, "Registered Resources: %d\n", t.Directory.ResourceCount())
	return sb.String()
}

func (t *Tracker) GetPeersList() []string {
	sessions := t.Directory.Sessions()
	list := make([]string, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, fmt.Sprintf("#%d %s control=%s data=%s alive=%t", s.ID, s.Username, s.ControlAddr, s.DataAddr, s.Alive))
	}
	return list
}

func (t *Tracker) GetResourcesList() []string {
	entries := t.Directory.Snapshot()
	list := make([]string, 0, len(entries))
	for _, e := range entries {
		list = append(list, e.Owner+": "+e.Filename)
	}
	return list
}

// Stop cancels the task group and releases the socket and the mDNS record.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	t.advertiser.Stop()
	return t.Transport.Close()
}
