package tracker

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"
)

var ErrDirectoryFull = errors.New("directory full")

// DefaultMaxSessions matches the client table size of the original tracker.
const DefaultMaxSessions = 100

type SessionID uint64

// PeerSession is the tracker's record of one connected peer, keyed by the
// address its control datagrams come from.
type PeerSession struct {
	ID               SessionID
	Username         string
	ControlAddr      netip.AddrPort
	DataAddr         netip.AddrPort
	Alive            bool
	ProbeOutstanding bool
	RegisteredAt     time.Time
}

// Directory holds the session table and the resource registry behind a
// single mutex. Every method takes the lock for its whole duration and
// returns copies, never pointers into the table.
type Directory struct {
	mu          sync.Mutex
	sessions    map[netip.AddrPort]*PeerSession
	resources   *registry
	maxSessions int
	nextID      SessionID
}

func NewDirectory(maxSessions int) *Directory {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Directory{
		sessions:    make(map[netip.AddrPort]*PeerSession),
		resources:   newRegistry(),
		maxSessions: maxSessions,
	}
}

// Register records an announce. Re-registering a known control address
// overwrites that record in place and replaces its files wholesale.
func (d *Directory) Register(control, data netip.AddrPort, username string, files []string) (SessionID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[control]
	if !ok {
		if len(d.sessions) >= d.maxSessions {
			return 0, ErrDirectoryFull
		}
		d.nextID++
		s = &PeerSession{ID: d.nextID, ControlAddr: control}
		d.sessions[control] = s
	}

	s.Username = username
	s.DataAddr = data
	s.Alive = true
	s.ProbeOutstanding = false
	s.RegisteredAt = time.Now()

	d.resources.replace(control, username, files)
	return s.ID, nil
}

// Touch marks a session alive. It reports false for unknown addresses.
func (d *Directory) Touch(control netip.AddrPort) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[control]
	if !ok {
		return false
	}
	s.Alive = true
	return true
}

// LookupHost returns the first host of filename in announce order.
func (d *Directory) LookupHost(filename string) (string, netip.AddrPort, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, control := range d.resources.hosts(filename) {
		if s, ok := d.sessions[control]; ok {
			return s.Username, s.DataAddr, true
		}
	}
	return "", netip.AddrPort{}, false
}

// Evict drops a session together with every resource entry it owns.
func (d *Directory) Evict(control netip.AddrPort) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictLocked(control)
}

func (d *Directory) evictLocked(control netip.AddrPort) bool {
	if _, ok := d.sessions[control]; !ok {
		return false
	}
	delete(d.sessions, control)
	d.resources.remove(control)
	return true
}

func (d *Directory) Snapshot() []ResourceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resources.snapshot()
}

// BeginProbeCycle marks every alive session tentatively dead with a probe
// outstanding and returns the addresses to probe. Sessions that are not
// currently alive are left alone.
func (d *Directory) BeginProbeCycle() []netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets := make([]netip.AddrPort, 0, len(d.sessions))
	for control, s := range d.sessions {
		if !s.Alive {
			continue
		}
		s.Alive = false
		s.ProbeOutstanding = true
		targets = append(targets, control)
	}
	return targets
}

// SweepUnresponsive evicts every session whose probe went unanswered and
// clears the outstanding flag on the ones that answered.
func (d *Directory) SweepUnresponsive() []PeerSession {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []PeerSession
	for control, s := range d.sessions {
		if !s.ProbeOutstanding {
			continue
		}
		if s.Alive {
			s.ProbeOutstanding = false
			continue
		}
		evicted = append(evicted, *s)
		d.evictLocked(control)
	}
	return evicted
}

// Sessions returns a copy of the session table ordered by ID.
func (d *Directory) Sessions() []PeerSession {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PeerSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Directory) ResourceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resources.count()
}
