package tracker

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
)

// Supervisor is the fixed-interval failure detector. Every interval it
// probes each alive session, waits out the grace window and evicts the
// sessions that stayed silent.
type Supervisor struct {
	dir      *Directory
	ctl      transport.ControlChannel
	interval time.Duration
	grace    time.Duration

	// OnEvict, if set, is called once per evicted session after the sweep.
	OnEvict func(PeerSession)

	newToken func() string
}

func NewSupervisor(dir *Directory, ctl transport.ControlChannel, interval, grace time.Duration) *Supervisor {
	return &Supervisor{
		dir:      dir,
		ctl:      ctl,
		interval: interval,
		grace:    grace,
		newToken: uuid.NewString,
	}
}

// Run blocks until ctx is done. The first probe goes out one interval after
// start, so a fresh session always gets a full cycle before being challenged.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Sugar.Infof("[Supervisor] started: interval=%s grace=%s", s.interval, s.grace)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs a single probe, wait, sweep round and returns the evicted sessions.
func (s *Supervisor) RunCycle(ctx context.Context) []PeerSession {
	token := s.newToken()
	targets := s.dir.BeginProbeCycle()
	s.probe(token, targets)

	timer := time.NewTimer(s.grace)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil
	case <-timer.C:
	}

	evicted := s.dir.SweepUnresponsive()
	for _, ps := range evicted {
		// Routine outcome of the heartbeat, not an error.
		logger.Sugar.Infof("[Supervisor] peer timed out, evicted: user=%s control=%s data=%s",
			ps.Username, ps.ControlAddr, ps.DataAddr)
		if s.OnEvict != nil {
			s.OnEvict(ps)
		}
	}
	if len(targets) > 0 {
		logger.Sugar.Debugf("[Supervisor] cycle done: token=%s probed=%d evicted=%d", token, len(targets), len(evicted))
	}
	return evicted
}

func (s *Supervisor) probe(token string, targets []netip.AddrPort) {
	if len(targets) == 0 {
		return
	}
	pkt, err := protocol.Probe{Token: token}.Packet()
	if err != nil {
		logger.Sugar.Errorf("[Supervisor] build probe failed: err=%v", err)
		return
	}
	raw, err := protocol.EncodePacket(pkt)
	if err != nil {
		logger.Sugar.Errorf("[Supervisor] encode probe failed: err=%v", err)
		return
	}

	for _, addr := range targets {
		if err := s.ctl.SendTo(addr, raw); err != nil {
			// The sweep will evict it if the probe never arrives.
			logger.Sugar.Warnf("[Supervisor] probe send failed: to=%s err=%v", addr, err)
		}
	}
}
