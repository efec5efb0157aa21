package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/wiremesh/transport"
)

// Relay is the cross-tab broadcast daemon: it holds no application state
// beyond channel membership and each channel's opaque shared-state map, and
// performs no application logic of its own — for every BRIDGE_BROADCAST or
// BRIDGE_DIRECT_MESSAGE it builds a BRIDGE_RELAY envelope that carries the
// method name, args and sender result/error bytes without decoding them
// (spec.md §4.E).
type Relay struct {
	log *logrus.Entry

	mu       sync.Mutex
	channels map[string]*channel

	upgrader websocket.Upgrader
}

// New constructs an empty Relay.
func New(log *logrus.Logger) *Relay {
	return &Relay{
		log:      loggerOrDefault(log),
		channels: make(map[string]*channel),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func loggerOrDefault(l *logrus.Logger) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrus.NewEntry(l)
}

// ServeWebsocket upgrades an incoming HTTP request to a websocket and
// serves it as a bridge peer connection until the socket closes
// (spec.md §9 "cmd/relayd").
func (r *Relay) ServeWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	endpoint := transport.NewSocketEndpoint(conn)
	r.Serve(endpoint)
}

// Serve attaches endpoint as one bridge peer connection: it dispatches
// every BRIDGE_* envelope the peer sends until it disconnects or the
// endpoint closes (spec.md §4.E).
func (r *Relay) Serve(endpoint transport.Endpoint) {
	var joined struct {
		mu      sync.Mutex
		channel *channel
		tabID   string
		ok      bool
	}
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	unsub := endpoint.On(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok {
			return
		}

		joined.mu.Lock()
		ch, tabID, isJoined := joined.channel, joined.tabID, joined.ok
		joined.mu.Unlock()

		switch env.Tag {
		case tagHandshake:
			if isJoined {
				return
			}
			c := r.handleHandshake(endpoint, env)
			joined.mu.Lock()
			joined.channel, joined.tabID, joined.ok = c, env.TabID, true
			joined.mu.Unlock()

		case tagBroadcast:
			if isJoined {
				r.handleBroadcast(ch, tabID, env)
			}
		case tagDirectMessage:
			if isJoined {
				r.handleDirectMessage(ch, env)
			}
		case tagGetTabs:
			if isJoined {
				r.handleGetTabs(ch, env)
			}
		case tagGetState:
			if isJoined {
				r.handleGetState(ch, env)
			}
		case tagSetState:
			if isJoined {
				r.handleSetState(ch, env)
			}
		case tagDisconnect:
			if isJoined {
				r.leave(ch, tabID)
				joined.mu.Lock()
				joined.ok = false
				joined.mu.Unlock()
			}
			closeDone()
		}
	})

	defer func() {
		unsub()
		joined.mu.Lock()
		ch, tabID, isJoined := joined.channel, joined.tabID, joined.ok
		joined.mu.Unlock()
		if isJoined {
			r.leave(ch, tabID)
		}
	}()

	// A transport backed by a real connection (window, socket) can tell us
	// the peer disappeared even without an explicit BRIDGE_DISCONNECT; the
	// in-process port pair cannot (transport.Waitable doc comment), so for
	// that family this blocks until the peer sends BRIDGE_DISCONNECT.
	if waitable, ok := endpoint.(transport.Waitable); ok {
		select {
		case <-waitable.Done():
		case <-done:
		}
		return
	}
	<-done
}

func (r *Relay) channelFor(name string) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[name]
	if !ok {
		c = newChannel(name)
		r.channels[name] = c
	}
	return c
}

// handleHandshake joins env.TabID onto its channel. A colliding tabID does
// not reject the newcomer: the prior holder is told BRIDGE_HANDSHAKE_ERROR,
// its endpoint is closed, and it is evicted before the newcomer is admitted
// (spec.md §4.E, §7, scenario 6).
func (r *Relay) handleHandshake(endpoint transport.Endpoint, env envelope) *channel {
	ch := r.channelFor(env.Channel)
	if existing, ok := ch.peer(env.TabID); ok {
		reply := envelope{Tag: tagHandshakeError, TabID: env.TabID, Channel: env.Channel,
			Code: codeDuplicateTabID, Message: "tabID reconnected, evicting prior connection"}
		_ = existing.endpoint.Send(context.Background(), marshalEnvelope(reply), transport.SendOptions{})
		_ = existing.endpoint.Close()
		ch.remove(env.TabID)
		r.log.WithFields(logrus.Fields{"tabID": env.TabID, "channel": env.Channel}).Info("evicted prior holder of tabID")
	}

	if len(env.Schema) > 0 {
		var initial map[string]interface{}
		if json.Unmarshal(env.Schema, &initial) == nil {
			ch.seedState(initial)
		}
	}

	ch.add(newPeer(env.TabID, endpoint))

	ack := envelope{Tag: tagHandshakeAck, TabID: env.TabID, Channel: env.Channel}
	if snapshot := ch.stateSnapshot(); len(snapshot) > 0 {
		if raw, err := json.Marshal(snapshot); err == nil {
			ack.State = raw
		}
	}
	_ = endpoint.Send(context.Background(), marshalEnvelope(ack), transport.SendOptions{})
	r.log.WithFields(logrus.Fields{"tabID": env.TabID, "channel": env.Channel}).Info("peer joined channel")
	return ch
}

func (r *Relay) leave(ch *channel, tabID string) {
	ch.remove(tabID)
	if ch.isEmpty() {
		r.mu.Lock()
		delete(r.channels, ch.name)
		r.mu.Unlock()
	}
	r.log.WithFields(logrus.Fields{"tabID": tabID, "channel": ch.name}).Info("peer left channel")
}

// handleBroadcast forwards a BRIDGE_BROADCAST to every other peer on the
// channel as BRIDGE_RELAY, applying no application logic of its own
// (spec.md §4.E invariant).
func (r *Relay) handleBroadcast(ch *channel, senderTabID string, env envelope) {
	relay := envelope{
		Tag: tagRelay, SenderTabID: senderTabID, Channel: env.Channel,
		MethodName: env.MethodName, Args: env.Args,
		SenderResult: env.SenderResult, SenderError: env.SenderError,
	}
	data := marshalEnvelope(relay)
	ch.each(senderTabID, func(p *peer) { r.deliver(p, data) })
}

// handleDirectMessage forwards a BRIDGE_DIRECT_MESSAGE to its single target
// peer, tagged BRIDGE_RELAY like a broadcast delivery — the client's relay
// listener keys on that one tag regardless of fan-out width (spec.md §4.D
// step 5, §4.E).
func (r *Relay) handleDirectMessage(ch *channel, env envelope) {
	target, ok := ch.peer(env.TargetTabID)
	if !ok {
		return
	}
	relay := envelope{
		Tag: tagRelay, SenderTabID: env.SenderTabID, Channel: env.Channel,
		MethodName: env.MethodName, Args: env.Args,
		SenderResult: env.SenderResult, SenderError: env.SenderError,
	}
	r.deliver(target, marshalEnvelope(relay))
}

func (r *Relay) handleGetTabs(ch *channel, env envelope) {
	requester, ok := ch.peer(env.RequestingTab)
	if !ok {
		return
	}
	reply := envelope{Tag: tagTabsResponse, Channel: env.Channel, TabIDs: ch.tabIDs()}
	r.deliver(requester, marshalEnvelope(reply))
}

func (r *Relay) handleGetState(ch *channel, env envelope) {
	requester, ok := ch.peer(env.RequestingTab)
	if !ok {
		return
	}
	reply := envelope{Tag: tagStateResponse, Channel: env.Channel}
	if raw, err := json.Marshal(ch.stateSnapshot()); err == nil {
		reply.State = raw
	}
	r.deliver(requester, marshalEnvelope(reply))
}

// handleSetState merges key/value into the channel's shared state and
// broadcasts the single mutated pair as BRIDGE_STATE_UPDATE — the wire
// shape is {key, value}, not a full snapshot (spec.md §6, §4.E).
func (r *Relay) handleSetState(ch *channel, env envelope) {
	var value interface{}
	if len(env.Value) > 0 {
		_ = json.Unmarshal(env.Value, &value)
	}
	ch.mergeState(env.Key, value)
	update := envelope{Tag: tagStateUpdate, Channel: env.Channel, Key: env.Key, Value: env.Value}
	data := marshalEnvelope(update)
	ch.each("", func(p *peer) { r.deliver(p, data) })
}

func (r *Relay) deliver(p *peer, data []byte) {
	p.enqueue(data, r.drain)
}

func (r *Relay) drain(p *peer) {
	for {
		p.queueMu.Lock()
		front := p.queue.Front()
		if front == nil {
			p.sending = false
			p.queueMu.Unlock()
			return
		}
		p.queue.Remove(front)
		p.queueMu.Unlock()

		data := front.Value.([]byte)
		if err := p.endpoint.Send(context.Background(), data, transport.SendOptions{}); err != nil {
			r.log.WithError(err).WithField("tabID", p.tabID).Warn("dropping slow/dead peer")
			return
		}
	}
}
