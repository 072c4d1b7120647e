package tracker

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctlA  = netip.MustParseAddrPort("10.0.0.1:40000")
	dataA = netip.MustParseAddrPort("10.0.0.1:9000")
	ctlB  = netip.MustParseAddrPort("10.0.0.2:40000")
	dataB = netip.MustParseAddrPort("10.0.0.2:9000")
)

func TestRegisterAndLookup(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", []string{"a.txt"})
	require.NoError(t, err)

	user, host, ok := d.LookupHost("a.txt")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, dataA, host)

	_, _, ok = d.LookupHost("missing.txt")
	assert.False(t, ok)
}

func TestReRegisterReplacesFileSet(t *testing.T) {
	d := NewDirectory(0)
	id1, err := d.Register(ctlA, dataA, "alice", []string{"a.txt", "b.txt"})
	require.NoError(t, err)
	id2, err := d.Register(ctlA, dataA, "alice", []string{"c.txt"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, []ResourceEntry{{Owner: "alice", Filename: "c.txt"}}, d.Snapshot())

	_, _, ok := d.LookupHost("a.txt")
	assert.False(t, ok)
}

func TestReRegisterWithNewUsername(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", []string{"a.txt"})
	require.NoError(t, err)
	_, err = d.Register(ctlA, dataA, "alicia", []string{"a.txt"})
	require.NoError(t, err)

	assert.Equal(t, []ResourceEntry{{Owner: "alicia", Filename: "a.txt"}}, d.Snapshot())
}

func TestDuplicateFilesInAnnounceAreCollapsed(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", []string{"a.txt", "a.txt"})
	require.NoError(t, err)
	assert.Len(t, d.Snapshot(), 1)
}

func TestLookupPicksFirstInInsertionOrder(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", []string{"shared.bin"})
	require.NoError(t, err)
	_, err = d.Register(ctlB, dataB, "bob", []string{"shared.bin"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		user, host, ok := d.LookupHost("shared.bin")
		require.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, dataA, host)
	}

	require.True(t, d.Evict(ctlA))
	user, host, ok := d.LookupHost("shared.bin")
	require.True(t, ok)
	assert.Equal(t, "bob", user)
	assert.Equal(t, dataB, host)
}

func TestEvictPurgesResources(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", []string{"a.txt"})
	require.NoError(t, err)
	_, err = d.Register(ctlB, dataB, "bob", []string{"b.txt"})
	require.NoError(t, err)

	require.True(t, d.Evict(ctlA))
	assert.False(t, d.Evict(ctlA))

	_, _, ok := d.LookupHost("a.txt")
	assert.False(t, ok)
	assert.Equal(t, []ResourceEntry{{Owner: "bob", Filename: "b.txt"}}, d.Snapshot())
	assert.Equal(t, 1, d.ResourceCount())
}

func TestSameUsernameOnTwoSessions(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "sam", []string{"a.txt"})
	require.NoError(t, err)
	_, err = d.Register(ctlB, dataB, "sam", []string{"b.txt"})
	require.NoError(t, err)

	require.True(t, d.Evict(ctlA))
	_, host, ok := d.LookupHost("b.txt")
	require.True(t, ok)
	assert.Equal(t, dataB, host)
	_, _, ok = d.LookupHost("a.txt")
	assert.False(t, ok)
}

func TestDirectoryFull(t *testing.T) {
	d := NewDirectory(2)
	_, err := d.Register(ctlA, dataA, "alice", nil)
	require.NoError(t, err)
	_, err = d.Register(ctlB, dataB, "bob", nil)
	require.NoError(t, err)

	_, err = d.Register(netip.MustParseAddrPort("10.0.0.3:40000"), dataB, "carol", []string{"c.txt"})
	require.ErrorIs(t, err, ErrDirectoryFull)
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, "alice", d.Sessions()[0].Username)

	// A known session can still re-register at capacity.
	_, err = d.Register(ctlA, dataA, "alice", []string{"a.txt"})
	require.NoError(t, err)
}

func TestTouch(t *testing.T) {
	d := NewDirectory(0)
	assert.False(t, d.Touch(ctlA))

	_, err := d.Register(ctlA, dataA, "alice", nil)
	require.NoError(t, err)
	d.BeginProbeCycle()
	assert.False(t, d.Sessions()[0].Alive)

	assert.True(t, d.Touch(ctlA))
	assert.True(t, d.Sessions()[0].Alive)
}

func TestProbeCycleEvictsSilentSessions(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", []string{"a.txt"})
	require.NoError(t, err)
	_, err = d.Register(ctlB, dataB, "bob", []string{"b.txt"})
	require.NoError(t, err)

	targets := d.BeginProbeCycle()
	assert.ElementsMatch(t, []netip.AddrPort{ctlA, ctlB}, targets)

	d.Touch(ctlB)
	evicted := d.SweepUnresponsive()
	require.Len(t, evicted, 1)
	assert.Equal(t, "alice", evicted[0].Username)

	sessions := d.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "bob", sessions[0].Username)
	assert.False(t, sessions[0].ProbeOutstanding)

	_, _, ok := d.LookupHost("a.txt")
	assert.False(t, ok)
}

func TestNotAliveSessionIsNotProbed(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", nil)
	require.NoError(t, err)

	d.mu.Lock()
	d.sessions[ctlA].Alive = false
	d.mu.Unlock()

	assert.Empty(t, d.BeginProbeCycle())
	assert.Empty(t, d.SweepUnresponsive())
	assert.Equal(t, 1, d.Len())
}

func TestRegisterDuringProbeCountsAsAnswer(t *testing.T) {
	d := NewDirectory(0)
	_, err := d.Register(ctlA, dataA, "alice", nil)
	require.NoError(t, err)

	d.BeginProbeCycle()
	_, err = d.Register(ctlA, dataA, "alice", []string{"new.txt"})
	require.NoError(t, err)

	assert.Empty(t, d.SweepUnresponsive())
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryConcurrentAccess(t *testing.T) {
	d := NewDirectory(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctl := netip.AddrPortFrom(netip.MustParseAddr("10.1.0.1"), uint16(1000+i))
			file := fmt.Sprintf("f%d", i)
			_, err := d.Register(ctl, ctl, fmt.Sprintf("u%d", i), []string{file})
			assert.NoError(t, err)
			d.Touch(ctl)
			d.LookupHost(file)
			d.Snapshot()
			if i%2 == 0 {
				d.Evict(ctl)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, d.Len())
	assert.Equal(t, 25, len(d.Snapshot()))
}
