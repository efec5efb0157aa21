package relay

import (
	"container/list"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/relaymesh/wiremesh/transport"
)

// outboundQueueDepth bounds the per-peer backlog the relay will hold before
// dropping the oldest frame for a slow peer (spec.md §4.E "Backpressure").
const outboundQueueDepth = 256

type peer struct {
	tabID    string
	endpoint transport.Endpoint

	queueMu sync.Mutex
	queue   *list.List
	sending bool
}

func newPeer(tabID string, endpoint transport.Endpoint) *peer {
	return &peer{tabID: tabID, endpoint: endpoint, queue: list.New()}
}

// enqueue appends data to the peer's outbound queue, dropping the oldest
// pending frame once outboundQueueDepth is exceeded, and kicks off delivery
// if nothing is currently draining the queue.
func (p *peer) enqueue(data []byte, drain func(*peer)) {
	p.queueMu.Lock()
	p.queue.PushBack(data)
	for p.queue.Len() > outboundQueueDepth {
		p.queue.Remove(p.queue.Front())
	}
	alreadySending := p.sending
	p.sending = true
	p.queueMu.Unlock()

	if !alreadySending {
		go drain(p)
	}
}

// channel is one named group of peers sharing a tab directory and a shared
// state map. The relay creates one on first join and destroys it on last
// leave (spec.md §4.E "Channel lifecycle").
type channel struct {
	name string

	mu    sync.RWMutex
	peers map[string]*peer
	ids   mapset.Set

	stateMu sync.Mutex
	state   map[string]interface{}
}

func newChannel(name string) *channel {
	return &channel{
		name:  name,
		peers: make(map[string]*peer),
		ids:   mapset.NewSet(),
		state: make(map[string]interface{}),
	}
}

func (c *channel) add(p *peer) {
	c.mu.Lock()
	c.peers[p.tabID] = p
	c.ids.Add(p.tabID)
	c.mu.Unlock()
}

func (c *channel) remove(tabID string) {
	c.mu.Lock()
	delete(c.peers, tabID)
	c.ids.Remove(tabID)
	c.mu.Unlock()
}

func (c *channel) isEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers) == 0
}

func (c *channel) has(tabID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ids.Contains(tabID)
}

func (c *channel) tabIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, c.ids.Cardinality())
	for v := range c.ids.Iter() {
		ids = append(ids, v.(string))
	}
	return ids
}

// each calls fn for every peer except excludeTabID.
func (c *channel) each(excludeTabID string, fn func(*peer)) {
	c.mu.RLock()
	targets := make([]*peer, 0, len(c.peers))
	for id, p := range c.peers {
		if id == excludeTabID {
			continue
		}
		targets = append(targets, p)
	}
	c.mu.RUnlock()
	for _, p := range targets {
		fn(p)
	}
}

func (c *channel) peer(tabID string) (*peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[tabID]
	return p, ok
}

func (c *channel) mergeState(key string, value interface{}) map[string]interface{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state[key] = value
	snapshot := make(map[string]interface{}, len(c.state))
	for k, v := range c.state {
		snapshot[k] = v
	}
	return snapshot
}

func (c *channel) stateSnapshot() map[string]interface{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	snapshot := make(map[string]interface{}, len(c.state))
	for k, v := range c.state {
		snapshot[k] = v
	}
	return snapshot
}

func (c *channel) seedState(initial map[string]interface{}) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if len(c.state) > 0 {
		return
	}
	for k, v := range initial {
		c.state[k] = v
	}
}
