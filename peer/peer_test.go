package peer

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport/tcp"
)

var testTracker = netip.MustParseAddrPort("127.0.0.1:3941")

// recordingControl captures outbound packets. onSend runs inside SendTo so a
// test can play the tracker and answer synchronously.
type recordingControl struct {
	mu     sync.Mutex
	sent   []protocol.Packet
	onSend func(pkt protocol.Packet)
	ch     chan transport.Datagram
}

func newRecordingControl() *recordingControl {
	return &recordingControl{ch: make(chan transport.Datagram)}
}

func (r *recordingControl) SendTo(_ netip.AddrPort, b []byte) error {
	pkt, err := protocol.Decode(b)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, pkt)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(pkt)
	}
	return nil
}

func (r *recordingControl) Consume() <-chan transport.Datagram { return r.ch }

func (r *recordingControl) TryReceive() (transport.Datagram, bool) {
	return transport.Datagram{}, false
}

func (r *recordingControl) LocalAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:50000")
}

func (r *recordingControl) Close() error { return nil }

func (r *recordingControl) Sent(t protocol.PacketType) []protocol.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Packet
	for _, p := range r.sent {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Username = "alice"
	cfg.TrackerAddr = testTracker
	cfg.SharedDir = t.TempDir()
	cfg.DownloadDir = t.TempDir()
	cfg.LookupAttemptWait = 50 * time.Millisecond
	cfg.LookupTimeout = 300 * time.Millisecond
	return cfg
}

// newUnitPeer builds a peer that is marked running without opening sockets.
func newUnitPeer(t *testing.T) (*Peer, *recordingControl) {
	ctl := newRecordingControl()
	p := NewPeerWithTransports(testConfig(t), ctl, tcp.NewTCPTransport(tcp.TCPTransportOpts{}))
	p.running = true
	p.state = StateAnnounced
	return p, ctl
}

func fromTracker(t *testing.T, pkt protocol.Packet) transport.Datagram {
	raw, err := protocol.EncodePacket(pkt)
	require.NoError(t, err)
	return transport.Datagram{From: testTracker, Payload: raw}
}

func probe(t *testing.T, token string) transport.Datagram {
	pkt, err := protocol.Probe{Token: token}.Packet()
	require.NoError(t, err)
	return fromTracker(t, pkt)
}

func TestProbeAnsweredOncePerToken(t *testing.T) {
	p, ctl := newUnitPeer(t)

	p.handleDatagram(probe(t, "cycle-1"))
	p.handleDatagram(probe(t, "cycle-1"))
	require.Len(t, ctl.Sent(protocol.TypeStatus), 1)
	assert.Equal(t, "cycle-1", protocol.ParseProbe(ctl.Sent(protocol.TypeStatus)[0]).Token)

	p.handleDatagram(probe(t, "cycle-2"))
	assert.Len(t, ctl.Sent(protocol.TypeStatus), 2)
	assert.Equal(t, StateIdle, p.State())
}

func TestTokenlessProbeSuppressedWithinWindow(t *testing.T) {
	p, ctl := newUnitPeer(t)

	p.handleDatagram(probe(t, ""))
	p.handleDatagram(probe(t, ""))
	require.Len(t, ctl.Sent(protocol.TypeStatus), 1)

	p.mu.Lock()
	p.lastReply = time.Now().Add(-2 * p.cfg.ProbeSuppressWindow)
	p.mu.Unlock()

	p.handleDatagram(probe(t, ""))
	assert.Len(t, ctl.Sent(protocol.TypeStatus), 2)
}

func TestConstantProbeDataAnsweredEveryCycle(t *testing.T) {
	p, ctl := newUnitPeer(t)
	p.cfg.ProbeSuppressWindow = 100 * time.Millisecond

	raw := []byte("status$testing$endpacket")
	for cycle := 1; cycle <= 3; cycle++ {
		p.handleDatagram(transport.Datagram{From: testTracker, Payload: raw})
		p.handleDatagram(transport.Datagram{From: testTracker, Payload: raw})
		require.Len(t, ctl.Sent(protocol.TypeStatus), cycle)
		time.Sleep(150 * time.Millisecond)
	}
	assert.Equal(t, "testing", protocol.ParseProbe(ctl.Sent(protocol.TypeStatus)[2]).Token)
}

func TestDatagramsFromOtherSendersAreDropped(t *testing.T) {
	p, ctl := newUnitPeer(t)

	dg := probe(t, "cycle-1")
	dg.From = netip.MustParseAddrPort("10.9.9.9:3941")
	p.handleDatagram(dg)

	assert.Empty(t, ctl.Sent(protocol.TypeStatus))
	assert.Equal(t, StateAnnounced, p.State())
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	p, ctl := newUnitPeer(t)

	p.handleDatagram(transport.Datagram{From: testTracker, Payload: []byte("nonsense")})
	p.handleDatagram(fromTracker(t, protocol.Packet{Type: protocol.TypeResource, Data: "alice&"}))

	assert.Empty(t, ctl.Sent(protocol.TypeStatus))
	assert.Empty(t, p.Events())
}

func TestResourceListingEmitted(t *testing.T) {
	p, _ := newUnitPeer(t)

	pkts, err := protocol.ResourcePackets([]protocol.ResourcePair{{Username: "bob", Filename: "b.txt"}})
	require.NoError(t, err)
	p.handleDatagram(fromTracker(t, pkts[0]))

	ev := <-p.Events()
	assert.Equal(t, EventResourceListing, ev.Type)
	assert.Equal(t, []protocol.ResourcePair{{Username: "bob", Filename: "b.txt"}}, ev.Resources)
}

func TestDirectoryFullDisconnects(t *testing.T) {
	p, _ := newUnitPeer(t)

	p.handleDatagram(fromTracker(t, protocol.DirectoryFullPacket()))
	assert.Equal(t, StateDisconnected, p.State())

	ev := <-p.Events()
	assert.Equal(t, EventDirectoryFull, ev.Type)

	_, err := p.Lookup(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrDirectoryFull)
}

func answerWith(t *testing.T, p *Peer, ans protocol.LookupAnswer) func(protocol.Packet) {
	return func(pkt protocol.Packet) {
		if pkt.Type != protocol.TypeTCPInfo {
			return
		}
		reply, err := ans.Packet()
		require.NoError(t, err)
		p.handleDatagram(fromTracker(t, reply))
	}
}

func TestLookupHit(t *testing.T) {
	p, ctl := newUnitPeer(t)
	host := netip.MustParseAddrPort("10.0.0.1:9000")
	ctl.onSend = answerWith(t, p, protocol.LookupAnswer{Filename: "a.txt", Host: host, Found: true})

	got, err := p.Lookup(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, host, got)
	assert.Equal(t, StateIdle, p.State())

	req, err := protocol.ParseLookupRequest(ctl.Sent(protocol.TypeTCPInfo)[0])
	require.NoError(t, err)
	assert.Equal(t, "a.txt", req.Filename)
}

func TestLookupMissSurfacesSentinel(t *testing.T) {
	p, ctl := newUnitPeer(t)
	ctl.onSend = answerWith(t, p, protocol.LookupAnswer{Filename: "missing.txt"})

	_, err := p.Lookup(context.Background(), "missing.txt")
	require.ErrorIs(t, err, ErrFileNotFound)

	ev := <-p.Events()
	assert.Equal(t, EventLookupMiss, ev.Type)
	assert.Equal(t, "missing.txt", ev.Filename)
}

func TestLookupBareSentinelIsAMiss(t *testing.T) {
	p, ctl := newUnitPeer(t)
	ctl.onSend = func(pkt protocol.Packet) {
		if pkt.Type == protocol.TypeTCPInfo {
			p.handleDatagram(fromTracker(t, protocol.Packet{Type: protocol.TypeTCPInfo, Data: "filenotfound&"}))
		}
	}

	_, err := p.Lookup(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLookupIgnoresAnswersForOtherFiles(t *testing.T) {
	p, ctl := newUnitPeer(t)
	other := netip.MustParseAddrPort("10.0.0.2:9000")
	ctl.onSend = answerWith(t, p, protocol.LookupAnswer{Filename: "other.txt", Host: other, Found: true})

	_, err := p.Lookup(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrLookupTimeout)
}

func TestLookupRetriesLostRequests(t *testing.T) {
	p, ctl := newUnitPeer(t)
	host := netip.MustParseAddrPort("10.0.0.1:9000")
	answer := answerWith(t, p, protocol.LookupAnswer{Filename: "a.txt", Host: host, Found: true})

	var attempts int
	ctl.onSend = func(pkt protocol.Packet) {
		attempts++
		if attempts < 2 {
			return // first request lost
		}
		answer(pkt)
	}

	got, err := p.Lookup(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, host, got)
	assert.Len(t, ctl.Sent(protocol.TypeTCPInfo), 2)
}

func TestLookupTimesOut(t *testing.T) {
	p, ctl := newUnitPeer(t)

	start := time.Now()
	_, err := p.Lookup(context.Background(), "a.txt")
	require.ErrorIs(t, err, ErrLookupTimeout)
	assert.True(t, time.Since(start) < 2*time.Second)
	assert.GreaterOrEqual(t, len(ctl.Sent(protocol.TypeTCPInfo)), 2)
	assert.Equal(t, StateIdle, p.State())
}

func TestLookupHonoursContext(t *testing.T) {
	p, _ := newUnitPeer(t)
	p.cfg.LookupTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := p.Lookup(ctx, "a.txt")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestLookupRejectsBadNames(t *testing.T) {
	p, ctl := newUnitPeer(t)

	for _, name := range []string{"", "..", "dir/file", "a&b", "a$b"} {
		_, err := p.Lookup(context.Background(), name)
		assert.Error(t, err, name)
	}
	assert.Empty(t, ctl.Sent(protocol.TypeTCPInfo))
}

func TestOperationsRequireRunningPeer(t *testing.T) {
	p, _ := newUnitPeer(t)
	p.running = false

	_, err := p.Lookup(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, p.Announce(), ErrNotRunning)
	assert.ErrorIs(t, p.RequestResources(), ErrNotRunning)
	assert.NoError(t, p.Stop())
}

func TestAnnounceTrimsOversizedCatalog(t *testing.T) {
	p, ctl := newUnitPeer(t)
	p.dataTuple = netip.MustParseAddrPort("10.0.0.1:9000")

	p.catalog.mu.Lock()
	for i := 0; i < 40; i++ {
		p.catalog.files[fmtName(i)] = 1
	}
	p.catalog.mu.Unlock()

	require.NoError(t, p.Announce())
	sent := ctl.Sent(protocol.TypeConnection)
	require.Len(t, sent, 1)

	ann, err := protocol.ParseAnnounce(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", ann.Username)
	assert.Equal(t, p.dataTuple, ann.Data)
	assert.NotEmpty(t, ann.Files)
	assert.Less(t, len(ann.Files), 40)
}

func fmtName(i int) string {
	return "some-long-file-name-" + string(rune('a'+i%26)) + string(rune('a'+i/26)) + ".bin"
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "awaiting-lookup", StateAwaitingLookup.String())
	assert.Equal(t, "shutting-down", StateShuttingDown.String())
	assert.Equal(t, "lookup-miss", EventLookupMiss.String())
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Username = "al&ice"
	assert.ErrorIs(t, bad.Validate(), protocol.ErrReservedByte)

	bad = cfg
	bad.TrackerAddr = netip.AddrPort{}
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LookupTimeout = bad.LookupAttemptWait / 2
	assert.Error(t, bad.Validate())
}
