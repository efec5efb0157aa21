// Package transport provides a uniform send/receive abstraction over the
// three channel families the protocol engine runs on, matching spec.md
// §4.A: a window-like stream where messages carry an origin, an in-process
// port-like pair with no origin concept, and a duplex event-emitter style
// endpoint (a websocket connection standing in for "any other long-lived
// duplex channel"). Only Endpoint is visible to rpcmesh/bridge; which
// concrete family backs it is a construction-time choice.
package transport

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Handler receives a raw envelope payload delivered on an Endpoint, the
// origin the channel family attached to it (empty when the family has no
// origin concept), and any transferred buffers that rode alongside it.
type Handler func(data []byte, origin string, transfer [][]byte)

// SendOptions carries the per-send extras spec.md §4.A requires: a target
// origin for window-like channels, and an opaque transfer list that must
// ride unchanged to the receiving side without being folded into the
// serialized payload. Go's transferable stand-in is a raw byte buffer
// (the ArrayBuffer analogue); rpcmesh "detaches" the sender's copy while it
// builds the request, before calling Send (see rpcmesh/transferable.go).
type SendOptions struct {
	Origin   string
	Transfer [][]byte
}

// Endpoint is the uniform interface every channel family implements.
// DataOf(event) from spec.md §4.A is not part of this interface: Go
// endpoints deliver already-normalised []byte payloads to Handler, so the
// "is it event.data or the event itself" distinction the browser needs
// never arises here — normalisation happens once, inside each concrete
// Endpoint, at the point where it adapts its underlying channel family.
type Endpoint interface {
	// Send transmits data to the peer, carrying opts.Transfer alongside it
	// unchanged. Send does not modify the transferred buffers.
	Send(ctx context.Context, data []byte, opts SendOptions) error

	// On registers handler for inbound messages and returns a function
	// that removes it. Every call must be paired with its returned
	// unsubscribe so Connection.Close can drain exactly the listeners it
	// attached (spec.md §5, §8).
	On(handler Handler) (unsubscribe func())

	// Close tears down the underlying channel. Idempotent.
	Close() error
}

// Waitable is implemented by endpoint families backed by a real connection
// (window, socket) that can detect the peer disappearing. The in-process
// port pair has no such concept — both ends only go away when Close is
// called explicitly — so it does not implement this.
type Waitable interface {
	// Done returns a channel closed once the endpoint has torn down,
	// whether via a local Close or the peer disconnecting.
	Done() <-chan struct{}
}

// Logger returns a *logrus.Entry scoped to an endpoint, carrying an
// endpoint_id correlation field. This is purely observational — the id
// never appears on the wire (spec.md calls logging a non-goal of the
// protocol itself; the fabric still logs the way its teacher logs).
func Logger(base *logrus.Logger, endpointID string) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithField("endpoint_id", endpointID)
}

// Marshal is a thin wrapper so every transport implementation encodes
// envelopes identically.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
