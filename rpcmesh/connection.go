package rpcmesh

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/wiremesh/internal/wireerr"
	"github.com/relaymesh/wiremesh/schema"
	"github.com/relaymesh/wiremesh/transport"
)

// Connection is an established host/guest pair sharing a cid over which
// RPC envelopes flow (spec.md §3 "Connection").
type Connection struct {
	CID    string
	Remote *Remote

	endpoint transport.Endpoint
	log      *logrus.Entry

	localMu     sync.Mutex
	localMethod map[string]*boundMethod

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	unsubMu sync.Mutex
	unsubs  []func()

	closeOnce sync.Once
}

type pendingCall struct {
	done chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

func newConnection(cid string, endpoint transport.Endpoint, log *logrus.Entry) *Connection {
	return &Connection{
		CID:         cid,
		endpoint:    endpoint,
		log:         log.WithField("cid", cid),
		localMethod: make(map[string]*boundMethod),
		pending:     make(map[string]*pendingCall),
	}
}

// bindLocalMethods binds every (path, fn) pair recorded during
// decomposition into the connection's dispatch table.
func (c *Connection) bindLocalMethods(methods map[string]interface{}) error {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	for path, fn := range methods {
		bound, err := bindMethod(fn)
		if err != nil {
			return errors.Wrapf(err, "bind method %q", path)
		}
		c.localMethod[path] = bound
	}
	return nil
}

// addListener installs handler on the connection's endpoint and records the
// unsubscribe function so Close can drain it.
func (c *Connection) addListener(handler transport.Handler) {
	unsub := c.endpoint.On(handler)
	c.unsubMu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.unsubMu.Unlock()
}

// serveRequests installs the persistent RPC_REQUEST dispatcher for this
// connection's cid (spec.md §4.C "Request/response", server side).
func (c *Connection) serveRequests() {
	c.addListener(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok || env.Tag != RPCRequest || env.CID != c.CID {
			return
		}
		go c.handleRequest(env, transfer)
	})
}

func (c *Connection) handleRequest(env envelope, transfer [][]byte) {
	c.localMu.Lock()
	bound, ok := c.localMethod[env.CallName]
	c.localMu.Unlock()
	if !ok {
		c.reject(env, errors.Errorf("no such method %q", env.CallName))
		return
	}

	result, err := bound.call(env.Args, transfer, c.Remote)
	if err != nil {
		c.reject(env, err)
		return
	}
	c.resolve(env, result)
}

func (c *Connection) resolve(req envelope, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.reject(req, err)
		return
	}
	reply := envelope{Tag: RPCResolve, CID: c.CID, CallID: req.CallID, CallName: req.CallName, Result: raw}
	c.send(reply, nil)
}

func (c *Connection) reject(req envelope, callErr error) {
	reply := envelope{Tag: RPCReject, CID: c.CID, CallID: req.CallID, CallName: req.CallName, Error: wireerr.Marshal(callErr)}
	c.send(reply, nil)
}

// serveResponses installs the one persistent listener that demultiplexes
// RPC_RESOLVE/RPC_REJECT onto the pending-call table by callID
// (spec.md §3 "Pending call table", §5 "correlation is by callID").
func (c *Connection) serveResponses() {
	c.addListener(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok || env.CID != c.CID {
			return
		}
		switch env.Tag {
		case RPCResolve:
			c.deliver(env.CallID, pendingResult{result: env.Result})
		case RPCReject:
			c.deliver(env.CallID, pendingResult{err: wireerr.Unmarshal(env.Error)})
		}
	})
}

func (c *Connection) deliver(callID string, res pendingResult) {
	c.pendingMu.Lock()
	call, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.pendingMu.Unlock()
	if !ok {
		// A response with no matching entry is ignored (spec.md §3).
		return
	}
	call.done <- res
}

// invoke performs one RPC_REQUEST/RPC_RESOLVE|RPC_REJECT round trip.
func (c *Connection) invoke(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	scanned, transfer := scanTransferables(args)
	raw, err := json.Marshal(scanned)
	if err != nil {
		return nil, errors.Wrap(err, "marshal call arguments")
	}

	callID := newCallID()
	call := &pendingCall{done: make(chan pendingResult, 1)}
	c.pendingMu.Lock()
	c.pending[callID] = call
	c.pendingMu.Unlock()

	req := envelope{Tag: RPCRequest, CID: c.CID, CallID: callID, CallName: name, Args: raw}
	if err := c.send(req, transfer); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, callID)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			return nil, res.err
		}
		var out interface{}
		if len(res.result) > 0 {
			if err := json.Unmarshal(res.result, &out); err != nil {
				return nil, errors.Wrap(err, "unmarshal call result")
			}
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) send(env envelope, transfer [][]byte) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	return c.endpoint.Send(context.Background(), data, transport.SendOptions{Transfer: transfer})
}

// Close removes every listener this connection attached and drops the
// pending-call table. Unresolved calls are left exactly as they are; callers
// are required to race their own context against Close (spec.md §4.C
// "Teardown", §9 Open Question 3). Close is idempotent (spec.md §8).
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.unsubMu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		c.unsubMu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		c.pendingMu.Lock()
		c.pending = make(map[string]*pendingCall)
		c.pendingMu.Unlock()
		c.log.Debug("connection closed")
	})
	return nil
}
