package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// portMessage is what actually moves between the two ends of an in-process
// pair; it stays entirely in Go memory so a transfer buffer is handed to
// the peer by reference, the closest Go equivalent of a zero-copy move.
type portMessage struct {
	data     []byte
	origin   string
	transfer [][]byte
}

// portEndpoint is the worker/port channel family: bare messages, no origin
// concept, transferables ride as a second argument (spec.md §4.A family 2).
// As with the stream and websocket families, a message delivered before
// the receiver's first On() call is lost, not queued. Callers driving a
// handshake over a port pair must register their listener as the very
// first thing they do, before sending anything.
type portEndpoint struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int

	out    chan<- portMessage
	in     <-chan portMessage
	closed chan struct{}
	once   sync.Once
}

// NewPortPair returns two endpoints wired directly to each other, standing
// in for a worker/port postMessage channel with no origin concept.
func NewPortPair() (a, b Endpoint) {
	ab := make(chan portMessage, 16)
	ba := make(chan portMessage, 16)

	pa := &portEndpoint{handlers: make(map[int]Handler), out: ab, in: ba, closed: make(chan struct{})}
	pb := &portEndpoint{handlers: make(map[int]Handler), out: ba, in: ab, closed: make(chan struct{})}
	go pa.pump()
	go pb.pump()
	return pa, pb
}

func (p *portEndpoint) pump() {
	for {
		select {
		case msg, ok := <-p.in:
			if !ok {
				return
			}
			p.dispatch(msg)
		case <-p.closed:
			return
		}
	}
}

func (p *portEndpoint) dispatch(msg portMessage) {
	p.mu.Lock()
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(msg.data, msg.origin, msg.transfer)
	}
}

func (p *portEndpoint) Send(ctx context.Context, data []byte, opts SendOptions) error {
	msg := portMessage{data: data, origin: opts.Origin, transfer: opts.Transfer}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errors.New("send on closed port endpoint")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *portEndpoint) On(handler Handler) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = handler
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *portEndpoint) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
