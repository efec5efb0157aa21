package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelTrackedMembership(t *testing.T) {
	c := newChannel("room")
	require.True(t, c.isEmpty())

	c.add(newPeer("tab-a", nil))
	require.False(t, c.isEmpty())
	require.True(t, c.has("tab-a"))
	require.ElementsMatch(t, []string{"tab-a"}, c.tabIDs())

	c.add(newPeer("tab-b", nil))
	require.ElementsMatch(t, []string{"tab-a", "tab-b"}, c.tabIDs())

	c.remove("tab-a")
	require.False(t, c.isEmpty())
	require.False(t, c.has("tab-a"))

	c.remove("tab-b")
	require.True(t, c.isEmpty())
}

func TestChannelStateMergeIsCumulative(t *testing.T) {
	c := newChannel("room")
	snap := c.mergeState("count", float64(1))
	require.Equal(t, float64(1), snap["count"])

	snap = c.mergeState("name", "alice")
	require.Equal(t, float64(1), snap["count"])
	require.Equal(t, "alice", snap["name"])

	require.Equal(t, snap, c.stateSnapshot())
}

func TestChannelSeedStateOnlyAppliesOnce(t *testing.T) {
	c := newChannel("room")
	c.seedState(map[string]interface{}{"count": float64(1)})
	c.seedState(map[string]interface{}{"count": float64(99), "extra": true})

	snap := c.stateSnapshot()
	require.Equal(t, float64(1), snap["count"])
	require.NotContains(t, snap, "extra")
}

func TestPeerQueueDropsOldestOnOverflow(t *testing.T) {
	p := newPeer("tab-a", nil)
	for i := 0; i < outboundQueueDepth+10; i++ {
		p.enqueue([]byte{byte(i)}, func(*peer) {})
	}
	require.Equal(t, outboundQueueDepth, p.queue.Len())
	oldest := p.queue.Front().Value.([]byte)
	require.Equal(t, byte(10), oldest[0])
}
