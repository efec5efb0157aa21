package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/wiremesh/internal/idgen"
	"github.com/relaymesh/wiremesh/internal/wireerr"
	"github.com/relaymesh/wiremesh/schema"
	"github.com/relaymesh/wiremesh/transport"
)

// DefaultChannel is used when Options.Channel is empty.
const DefaultChannel = "default"

// Dialer opens a fresh transport connection to the relay. Connect calls it
// once up front and, while retrying the handshake, once per attempt.
type Dialer func(ctx context.Context) (transport.Endpoint, error)

// Options configures Connect.
type Options struct {
	Channel string
	TabID   string

	// Backoff paces handshake retries against Dialer. A nil value disables
	// retrying: a single failed dial or a BRIDGE_HANDSHAKE_ERROR returns
	// immediately (spec.md §9 "Design note: reconnect backoff").
	Backoff *backoff.Backoff

	Logger *logrus.Logger
}

// Client is one peer's connection to a relay channel: its proxied methods
// run locally and fan out to every other peer on the channel, and relayed
// calls from other peers re-run the same local methods (spec.md §4.D).
type Client struct {
	TabID   string
	Channel string

	endpoint transport.Endpoint
	log      *logrus.Entry

	localMu sync.Mutex
	local   map[string]*boundMethod

	stateMu      sync.Mutex
	sharedState  schema.Tree

	pendingMu sync.Mutex
	pendingTabs  chan []string
	pendingState chan schema.Tree

	unsubMu sync.Mutex
	unsubs  []func()

	closeOnce sync.Once
}

// Connect dials the relay, decomposes localSchema into a method directory
// and residual data tree, performs the BRIDGE_HANDSHAKE/_ACK exchange
// (retrying per opts.Backoff on dial failure), and returns a ready Client
// (spec.md §4.D "Connection setup").
func Connect(ctx context.Context, dial Dialer, localSchema schema.Tree, opts Options) (*Client, error) {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	tabID := opts.TabID
	if tabID == "" {
		tabID = idgen.Default()
	}
	log := loggerOrDefault(opts.Logger).WithFields(logrus.Fields{"tabID": tabID, "channel": channel})

	directory, methods := schema.DecomposeWithMethods(localSchema)
	residualJSON, err := json.Marshal(localSchema)
	if err != nil {
		return nil, errors.Wrap(err, "marshal bridge residual schema")
	}

	var endpoint transport.Endpoint
	var boff *backoff.Backoff
	if opts.Backoff != nil {
		b := *opts.Backoff
		boff = &b
	}

	for attempt := 0; ; attempt++ {
		endpoint, err = dial(ctx)
		if err != nil {
			if boff == nil {
				return nil, errors.Wrap(err, "dial relay")
			}
			log.WithError(err).WithField("attempt", attempt).Warn("relay dial failed, retrying")
			if !sleepOrDone(ctx, boff.Duration()) {
				return nil, ctx.Err()
			}
			continue
		}

		client := &Client{
			TabID:   tabID,
			Channel: channel,
			endpoint: endpoint,
			log:      log,
			local:    make(map[string]*boundMethod),
		}
		if err := client.bindLocal(methods); err != nil {
			return nil, err
		}

		acked, handshakeErr, err := client.performHandshake(ctx, directory, residualJSON)
		if err != nil {
			return nil, err
		}
		if handshakeErr != nil {
			if boff == nil || handshakeErr.Code == DuplicateTabID {
				return nil, handshakeErr
			}
			log.WithError(handshakeErr).WithField("attempt", attempt).Warn("handshake rejected, retrying")
			if !sleepOrDone(ctx, boff.Duration()) {
				return nil, ctx.Err()
			}
			continue
		}

		client.stateMu.Lock()
		client.sharedState = acked
		client.stateMu.Unlock()
		client.serve()
		return client, nil
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) bindLocal(methods map[string]interface{}) error {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	for path, fn := range methods {
		bound, err := bindMethod(fn)
		if err != nil {
			return errors.Wrapf(err, "bind bridge method %q", path)
		}
		c.local[path] = bound
	}
	return nil
}

func (c *Client) performHandshake(ctx context.Context, directory []string, residualJSON json.RawMessage) (schema.Tree, *HandshakeError, error) {
	acks := make(chan envelope, 1)
	unsub := c.endpoint.On(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok || env.TabID != c.TabID {
			return
		}
		if env.Tag != HandshakeAck && env.Tag != HandshakeError {
			return
		}
		select {
		case acks <- env:
		default:
		}
	})
	defer unsub()

	req := envelope{Tag: Handshake, TabID: c.TabID, Channel: c.Channel, MethodNames: directory, Schema: residualJSON}
	if err := c.rawSend(req); err != nil {
		return nil, nil, err
	}

	select {
	case env := <-acks:
		if env.Tag == HandshakeError {
			return nil, &HandshakeError{Code: env.Code, Message: env.Message}, nil
		}
		state := schema.Tree{}
		if len(env.State) > 0 {
			if err := json.Unmarshal(env.State, &state); err != nil {
				return nil, nil, errors.Wrap(err, "unmarshal handshake ack state")
			}
		}
		return state, nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// serve installs the persistent listeners that stay up for the life of the
// connection: relayed calls, tab-directory replies, and shared-state pushes.
func (c *Client) serve() {
	c.addListener(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok {
			return
		}
		switch env.Tag {
		case Relay:
			// The relay delivers both broadcasts and direct messages under
			// this one tag, already scoped to this peer by the relay's
			// routing — no client-side target filtering needed.
			c.handleRelay(env)
		case TabsResponse:
			c.deliverTabs(env.TabIDs)
		case StateResponse:
			c.applyStateSnapshot(env)
		case StateUpdate:
			c.applyStateUpdate(env)
		}
	})
}

func (c *Client) handleRelay(env envelope) {
	c.localMu.Lock()
	bound, ok := c.local[env.MethodName]
	c.localMu.Unlock()
	if !ok {
		c.log.WithField("method", env.MethodName).Debug("relayed call for unknown local method")
		return
	}
	if _, err := bound.call(env.Args); err != nil {
		c.log.WithError(err).WithField("method", env.MethodName).Warn("relayed call failed")
	}
}

// applyStateSnapshot handles BRIDGE_STATE_RESPONSE, the full-snapshot reply
// to an outstanding GetState call.
func (c *Client) applyStateSnapshot(env envelope) {
	var state schema.Tree
	if len(env.State) > 0 {
		if err := json.Unmarshal(env.State, &state); err != nil {
			c.log.WithError(err).Warn("unmarshal shared state snapshot")
			return
		}
	}
	c.stateMu.Lock()
	c.sharedState = state
	c.stateMu.Unlock()
	c.pendingMu.Lock()
	ch := c.pendingState
	c.pendingMu.Unlock()
	if ch != nil {
		select {
		case ch <- state:
		default:
		}
	}
}

// applyStateUpdate handles BRIDGE_STATE_UPDATE, which carries only the one
// mutated key/value pair (spec.md §6), and merges it into the cached state.
func (c *Client) applyStateUpdate(env envelope) {
	var value interface{}
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, &value); err != nil {
			c.log.WithError(err).Warn("unmarshal shared state update")
			return
		}
	}
	c.stateMu.Lock()
	if c.sharedState == nil {
		c.sharedState = schema.Tree{}
	}
	c.sharedState[env.Key] = value
	c.stateMu.Unlock()
}

func (c *Client) deliverTabs(tabs []string) {
	c.pendingMu.Lock()
	ch := c.pendingTabs
	c.pendingMu.Unlock()
	if ch != nil {
		select {
		case ch <- tabs:
		default:
		}
	}
}

func (c *Client) addListener(handler transport.Handler) {
	unsub := c.endpoint.On(handler)
	c.unsubMu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.unsubMu.Unlock()
}

// Call invokes the local method named name, then broadcasts the call (and
// its outcome) to every other peer on the channel via the relay
// (spec.md §4.D "Broadcast proxy").
func (c *Client) Call(methodName string, args ...interface{}) (interface{}, error) {
	return c.callAndEmit(Broadcast, "", methodName, args)
}

// CallTarget invokes the local method named name, then delivers the call
// (and its outcome) to exactly one peer via the relay instead of
// broadcasting to the whole channel (spec.md §4.D "Peer-targeted proxy").
func (c *Client) CallTarget(targetTabID, methodName string, args ...interface{}) (interface{}, error) {
	return c.callAndEmit(DirectMessage, targetTabID, methodName, args)
}

func (c *Client) callAndEmit(tag Tag, targetTabID, methodName string, args []interface{}) (interface{}, error) {
	c.localMu.Lock()
	bound, ok := c.local[methodName]
	c.localMu.Unlock()
	if !ok {
		return nil, errors.Errorf("no such local method %q", methodName)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "marshal call arguments")
	}

	result, callErr := bound.call(argsJSON)

	env := envelope{
		Tag:         tag,
		SenderTabID: c.TabID,
		TargetTabID: targetTabID,
		Channel:     c.Channel,
		MethodName:  methodName,
		Args:        argsJSON,
	}
	if callErr != nil {
		env.SenderError = mustMarshal(wireerr.Marshal(callErr))
	} else {
		env.SenderResult = mustMarshal(result)
	}
	if err := c.rawSend(env); err != nil {
		c.log.WithError(err).Warn("failed to emit broadcast envelope")
	}

	return result, callErr
}

// GetConnectedTabs asks the relay for the current peer directory of this
// channel (spec.md §4.D "Tab directory").
func (c *Client) GetConnectedTabs(ctx context.Context) ([]string, error) {
	ch := make(chan []string, 1)
	c.pendingMu.Lock()
	c.pendingTabs = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		c.pendingTabs = nil
		c.pendingMu.Unlock()
	}()

	if err := c.rawSend(envelope{Tag: GetTabs, RequestingTab: c.TabID, Channel: c.Channel}); err != nil {
		return nil, err
	}
	select {
	case tabs := <-ch:
		return tabs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetState reads the channel's shared state snapshot, opted into per
// spec.md §9 Open Question 2: state sync is exposed as an explicit call,
// not implicitly mirrored into every client.
func (c *Client) GetState(ctx context.Context) (schema.Tree, error) {
	ch := make(chan schema.Tree, 1)
	c.pendingMu.Lock()
	c.pendingState = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		c.pendingState = nil
		c.pendingMu.Unlock()
	}()

	if err := c.rawSend(envelope{Tag: GetState, RequestingTab: c.TabID, Channel: c.Channel}); err != nil {
		return nil, err
	}
	select {
	case state := <-ch:
		return state, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetState asks the relay to merge key/value into the channel's shared
// state and push the update to every peer.
func (c *Client) SetState(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshal state value")
	}
	return c.rawSend(envelope{Tag: SetState, RequestingTab: c.TabID, Channel: c.Channel, Key: key, Value: raw})
}

func (c *Client) rawSend(env envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return errors.Wrap(err, "marshal bridge envelope")
	}
	return c.endpoint.Send(context.Background(), data, transport.SendOptions{})
}

// Close disconnects from the relay and removes every listener this client
// attached. Close is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.rawSend(envelope{Tag: Disconnect, TabID: c.TabID, Channel: c.Channel})
		c.unsubMu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		c.unsubMu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		err = c.endpoint.Close()
		c.log.Debug("bridge client closed")
	})
	return err
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func loggerOrDefault(l *logrus.Logger) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrus.NewEntry(l)
}
