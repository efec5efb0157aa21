package rpcmesh

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relaymesh/wiremesh/schema"
	"github.com/relaymesh/wiremesh/transport"
)

func connectHostGuest(t *testing.T, hostSchema, guestSchema schema.Tree) (*Connection, *Connection) {
	t.Helper()
	a, b := transport.NewPortPair()

	var host, guest *Connection
	var hostErr, guestErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		host, hostErr = Host(ctx, a, hostSchema, HostOptions{})
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		guest, guestErr = Guest(ctx, b, guestSchema, GuestOptions{})
	}()
	wg.Wait()

	require.NoError(t, hostErr)
	require.NoError(t, guestErr)
	require.NotNil(t, host)
	require.NotNil(t, guest)
	return host, guest
}

// Scenario 1 (spec.md §8): bidirectional RPC, the host's method calls back
// into the guest's remote before resolving.
func TestBidirectionalRPCResolvesAcrossBothSides(t *testing.T) {
	hostSchema := schema.Tree{
		"double": func(n float64, remote *Remote) (float64, error) {
			biasVal, err := remote.Call(context.Background(), "bias")
			if err != nil {
				return 0, err
			}
			bias, _ := biasVal.(float64)
			return n*2 + bias, nil
		},
	}
	guestSchema := schema.Tree{
		"bias": func() (float64, error) { return 1, nil },
	}

	_, guest := connectHostGuest(t, hostSchema, guestSchema)
	defer guest.Close()

	result, err := guest.Remote.Call(context.Background(), "double", float64(5))
	require.NoError(t, err)
	require.InDelta(t, 11.0, result, 0.0001)
}

// Scenario 2 (spec.md §8): concurrent in-flight calls must resolve
// independently by callID regardless of completion order.
func TestConcurrentCallsResolveOutOfOrderByCallID(t *testing.T) {
	hostSchema := schema.Tree{
		"slow": func(n float64) (float64, error) {
			time.Sleep(30 * time.Millisecond)
			return n, nil
		},
		"fast": func(n float64) (float64, error) {
			return n, nil
		},
	}
	guestSchema := schema.Tree{}

	_, guest := connectHostGuest(t, hostSchema, guestSchema)
	defer guest.Close()

	slowDone := make(chan interface{}, 1)
	fastDone := make(chan interface{}, 1)

	go func() {
		v, err := guest.Remote.Call(context.Background(), "slow", float64(1))
		require.NoError(t, err)
		slowDone <- v
	}()
	go func() {
		v, err := guest.Remote.Call(context.Background(), "fast", float64(2))
		require.NoError(t, err)
		fastDone <- v
	}()

	select {
	case v := <-fastDone:
		require.InDelta(t, 2.0, v, 0.0001)
	case <-time.After(time.Second):
		t.Fatal("fast call never resolved")
	}
	select {
	case v := <-slowDone:
		require.InDelta(t, 1.0, v, 0.0001)
	case <-time.After(time.Second):
		t.Fatal("slow call never resolved")
	}
}

// Scenario 3 (spec.md §8): a transferable argument's backing buffer is
// detached (truncated to length zero) on the sending side once sent.
func TestTransferableArgumentDetachesSenderCopy(t *testing.T) {
	received := make(chan int, 1)
	hostSchema := schema.Tree{
		"consume": func(buf *Transferable) (int, error) {
			received <- len(buf.Data)
			return len(buf.Data), nil
		},
	}
	guestSchema := schema.Tree{}

	_, guest := connectHostGuest(t, hostSchema, guestSchema)
	defer guest.Close()

	payload := WithTransferable([]byte{1, 2, 3, 4})
	n, err := guest.Remote.Call(context.Background(), "consume", payload)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	require.Equal(t, 0, len(payload.Data), "sender's buffer must be detached after send")

	select {
	case got := <-received:
		require.Equal(t, 4, got)
	case <-time.After(time.Second):
		t.Fatal("receiver never observed the transferred buffer")
	}
}

// Scenario 4 (spec.md §8): a HANDSHAKE_REQUEST from an unexpected origin is
// dropped silently, leaving the host's connect call blocked until its own
// context expires.
func TestHandshakeRejectsUnexpectedOrigin(t *testing.T) {
	connA, connB := net.Pipe()
	hostSide := transport.NewWindowEndpoint(connA, "https://trusted.example")
	defer hostSide.Close()
	guestSide := transport.NewWindowEndpoint(connB, "https://evil.example")
	defer guestSide.Close()

	forged, err := marshalEnvelope(envelope{Tag: HandshakeRequest, CID: "forged-cid", MethodNames: nil})
	require.NoError(t, err)
	require.NoError(t, guestSide.Send(context.Background(), forged, transport.SendOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, hostErr := Host(ctx, hostSide, schema.Tree{}, HostOptions{ExpectedOrigin: "https://trusted.example"})
	require.Equal(t, context.DeadlineExceeded, hostErr)
}

// Close is idempotent and safe to call from multiple goroutines.
func TestConnectionCloseIsIdempotent(t *testing.T) {
	host, guest := connectHostGuest(t, schema.Tree{}, schema.Tree{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, host.Close())
		}()
	}
	wg.Wait()
	require.NoError(t, guest.Close())
}

// Closing both the connection and its endpoint leaves no listener
// goroutines behind. Goroutines that earlier tests in this package left
// running are excluded from the check.
func TestConnectionCloseLeavesNoGoroutinesRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a, b := transport.NewPortPair()
	var host, guest *Connection
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		host, _ = Host(ctx, a, schema.Tree{}, HostOptions{})
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		guest, _ = Guest(ctx, b, schema.Tree{}, GuestOptions{})
	}()
	wg.Wait()

	require.NoError(t, host.Close())
	require.NoError(t, guest.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}
