package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// wireFrame is what crosses a window-like or socket-like wire: a JSON
// envelope (length-prefixed on a stream, one websocket message on a
// socket), with transfer buffers carried alongside rather than folded into
// Data.
type wireFrame struct {
	Origin   string   `json:"origin,omitempty"`
	Data     []byte   `json:"data"`
	Transfer [][]byte `json:"transfer,omitempty"`
}

// windowEndpoint is the window postMessage channel family: every outgoing
// message is stamped with this side's own origin, and every inbound
// message's origin is handed to Handler for validation by the caller
// (spec.md §4.A family 1, §5 "Iframe security").
type windowEndpoint struct {
	selfOrigin string
	conn       net.Conn
	w          *bufio.Writer
	writeMu    sync.Mutex

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWindowEndpoint wraps a stream connection as a window-like endpoint
// that stamps selfOrigin on every message it sends.
func NewWindowEndpoint(conn net.Conn, selfOrigin string) Endpoint {
	e := &windowEndpoint{
		selfOrigin: selfOrigin,
		conn:       conn,
		w:          bufio.NewWriter(conn),
		handlers:   make(map[int]Handler),
		closed:     make(chan struct{}),
	}
	go e.readLoop()
	return e
}

func (e *windowEndpoint) Send(ctx context.Context, data []byte, opts SendOptions) error {
	frame := wireFrame{Origin: e.selfOrigin, Data: data, Transfer: opts.Transfer}
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal window frame")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := e.w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return e.w.Flush()
}

func (e *windowEndpoint) readLoop() {
	r := bufio.NewReader(e.conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			e.Close()
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
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

func (e *windowEndpoint) dispatch(frame wireFrame) {
	e.mu.Lock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(frame.Data, frame.Origin, frame.Transfer)
	}
}

func (e *windowEndpoint) On(handler Handler) (unsubscribe func()) {
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

// Done returns a channel closed once the endpoint has torn down.
func (e *windowEndpoint) Done() <-chan struct{} {
	return e.closed
}

func (e *windowEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	return err
}
