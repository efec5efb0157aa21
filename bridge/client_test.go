package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/wiremesh/bridge"
	"github.com/relaymesh/wiremesh/relay"
	"github.com/relaymesh/wiremesh/schema"
	"github.com/relaymesh/wiremesh/transport"
)

func dialerFor(r *relay.Relay) bridge.Dialer {
	return func(ctx context.Context) (transport.Endpoint, error) {
		clientSide, relaySide := transport.NewPortPair()
		go r.Serve(relaySide)
		return clientSide, nil
	}
}

func connectPeer(t *testing.T, r *relay.Relay, channel, tabID string, received chan<- []interface{}) *bridge.Client {
	t.Helper()
	calls := schema.Tree{
		"ping": func(n float64) (float64, error) {
			if received != nil {
				received <- []interface{}{n}
			}
			return n, nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := bridge.Connect(ctx, dialerFor(r), calls, bridge.Options{Channel: channel, TabID: tabID})
	require.NoError(t, err)
	return client
}

// Scenario 5 (spec.md §8): a broadcast fans out to every other peer on the
// channel, and the sender does not receive its own broadcast back.
func TestBroadcastFansOutExcludingSender(t *testing.T) {
	r := relay.New(nil)

	aRecv := make(chan []interface{}, 1)
	bRecv := make(chan []interface{}, 1)
	cRecv := make(chan []interface{}, 1)

	a := connectPeer(t, r, "room", "tab-a", aRecv)
	defer a.Close()
	b := connectPeer(t, r, "room", "tab-b", bRecv)
	defer b.Close()
	c := connectPeer(t, r, "room", "tab-c", cRecv)
	defer c.Close()

	result, err := a.Call("ping", float64(42))
	require.NoError(t, err)
	require.InDelta(t, 42.0, result, 0.0001)

	// The sender's own copy runs once, locally and synchronously, inside Call.
	select {
	case args := <-aRecv:
		require.InDelta(t, 42.0, args[0], 0.0001)
	default:
		t.Fatal("sender must run the method locally")
	}

	select {
	case <-aRecv:
		t.Fatal("sender must not receive its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}

	for _, ch := range []chan []interface{}{bRecv, cRecv} {
		select {
		case args := <-ch:
			require.InDelta(t, 42.0, args[0], 0.0001)
		case <-time.After(time.Second):
			t.Fatal("peer never observed the relayed broadcast")
		}
	}
}

// Scenario 6 (spec.md §8): a second handshake with an already-connected
// tabID evicts the prior holder — the prior holder's endpoint is closed,
// and the newcomer is admitted and sees only itself in the tab directory.
func TestDuplicateTabIDEvictsPriorHolder(t *testing.T) {
	r := relay.New(nil)

	p1 := connectPeer(t, r, "y", "t", nil)
	defer p1.Close()

	p2 := connectPeer(t, r, "y", "t", nil)
	defer p2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tabs, err := p2.GetConnectedTabs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t"}, tabs)
}
