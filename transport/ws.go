package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// socketEndpoint is the duplex event-emitter channel family: the handler
// receives the message body directly, with no origin concept of its own
// (spec.md §4.A family 3). It is backed by gorilla/websocket, used by the
// bridge client/relay link.
type socketEndpoint struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int

	closeOnce sync.Once
	done      chan struct{}
}

// NewSocketEndpoint adapts an established websocket connection.
func NewSocketEndpoint(conn *websocket.Conn) Endpoint {
	e := &socketEndpoint{
		conn:     conn,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
	go e.readLoop()
	return e
}

func (e *socketEndpoint) Send(ctx context.Context, data []byte, opts SendOptions) error {
	frame := wireFrame{Data: data, Transfer: opts.Transfer}
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal socket frame")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, payload)
}

func (e *socketEndpoint) readLoop() {
	for {
		_, payload, err := e.conn.ReadMessage()
		if err != nil {
			e.Close()
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		e.dispatch(frame)
	}
}

func (e *socketEndpoint) dispatch(frame wireFrame) {
	e.mu.Lock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(frame.Data, "", frame.Transfer)
	}
}

func (e *socketEndpoint) On(handler Handler) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Done returns a channel closed once the endpoint has torn down, letting a
// server loop built on Endpoint alone (see relay.Relay.Serve) notice the
// peer disconnected without depending on the concrete websocket type.
func (e *socketEndpoint) Done() <-chan struct{} {
	return e.done
}

func (e *socketEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.conn.Close()
	})
	return err
}
