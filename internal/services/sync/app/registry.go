package server

import (
	"encoding/json"
	"sync"
	"time"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wsPeer is one live connection bound to an authenticated identity for its
// lifetime. Writes are serialized through the peer mutex.
type wsPeer struct {
	userID string

	mu      sync.Mutex
	encoder *json.Encoder
	closed  bool

	seenMu   sync.Mutex
	lastSeen time.Time
}

func newWSPeer(userID string, encoder *json.Encoder) *wsPeer {
	return &wsPeer{
		userID:   userID,
		encoder:  encoder,
		lastSeen: time.Now(),
	}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.encoder.Encode(frame)
}

func (p *wsPeer) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *wsPeer) writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *wsPeer) touch() {
	p.seenMu.Lock()
	p.lastSeen = time.Now()
	p.seenMu.Unlock()
}

func (p *wsPeer) seenSince(cutoff time.Time) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.lastSeen.After(cutoff)
}

// connRegistry maps an authenticated identity to its live connections. One
// identity may hold several simultaneous connections (tabs, devices).
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]map[*wsPeer]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]map[*wsPeer]struct{})}
}

func (r *connRegistry) register(peer *wsPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[peer.userID]
	if !ok {
		set = make(map[*wsPeer]struct{})
		r.conns[peer.userID] = set
	}
	set[peer] = struct{}{}
}

func (r *connRegistry) deregister(peer *wsPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[peer.userID]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(r.conns, peer.userID)
	}
}

// send delivers a frame to every live, writable connection of an identity
// for which predicate (when given) holds. Delivery to an offline identity is
// a normal, silent no-op.
func (r *connRegistry) send(userID string, frame wsFrame, predicate func(*wsPeer) bool) {
	r.mu.Lock()
	peers := make([]*wsPeer, 0, len(r.conns[userID]))
	for peer := range r.conns[userID] {
		peers = append(peers, peer)
	}
	r.mu.Unlock()

	for _, peer := range peers {
		if !peer.writable() {
			continue
		}
		if predicate != nil && !predicate(peer) {
			continue
		}
		_ = peer.writeFrame(frame)
	}
}

// topicIndex tracks per-topic connection sets alongside the reverse mapping
// so teardown can leave every joined topic without leaking index entries.
type topicIndex struct {
	mu     sync.Mutex
	topics map[string]map[*wsPeer]struct{}
	joined map[*wsPeer]map[string]struct{}
}

func newTopicIndex() *topicIndex {
	return &topicIndex{
		topics: make(map[string]map[*wsPeer]struct{}),
		joined: make(map[*wsPeer]map[string]struct{}),
	}
}

// join is idempotent: joining the same topic twice leaves a single entry.
func (t *topicIndex) join(topic string, peer *wsPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.topics[topic]
	if !ok {
		set = make(map[*wsPeer]struct{})
		t.topics[topic] = set
	}
	set[peer] = struct{}{}

	joined, ok := t.joined[peer]
	if !ok {
		joined = make(map[string]struct{})
		t.joined[peer] = joined
	}
	joined[topic] = struct{}{}
}

func (t *topicIndex) leave(topic string, peer *wsPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveLocked(topic, peer)
}

// leaveAll removes the connection from every topic it joined; called once at
// connection teardown.
func (t *topicIndex) leaveAll(peer *wsPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic := range t.joined[peer] {
		t.leaveLocked(topic, peer)
	}
	delete(t.joined, peer)
}

func (t *topicIndex) leaveLocked(topic string, peer *wsPeer) {
	if set, ok := t.topics[topic]; ok {
		delete(set, peer)
		if len(set) == 0 {
			delete(t.topics, topic)
		}
	}
	if joined, ok := t.joined[peer]; ok {
		delete(joined, topic)
	}
}

func (t *topicIndex) subscribed(topic string, peer *wsPeer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.topics[topic][peer]
	return ok
}

// broadcast delivers a frame to every connection currently joined to the
// topic. Order across connections is not guaranteed.
func (t *topicIndex) broadcast(topic string, frame wsFrame) {
	t.mu.Lock()
	peers := make([]*wsPeer, 0, len(t.topics[topic]))
	for peer := range t.topics[topic] {
		peers = append(peers, peer)
	}
	t.mu.Unlock()

	for _, peer := range peers {
		if !peer.writable() {
			continue
		}
		_ = peer.writeFrame(frame)
	}
}

// dispatcher fans events out to topic subscribers, either immediately or
// through a per-topic debounce that coalesces bursts into one delivery.
type dispatcher struct {
	topics *topicIndex
	delay  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newDispatcher(topics *topicIndex, delay time.Duration) *dispatcher {
	return &dispatcher{
		topics:  topics,
		delay:   delay,
		pending: make(map[string]*time.Timer),
	}
}

// notify broadcasts immediately, fire-and-forget.
func (d *dispatcher) notify(topic string, frame wsFrame) {
	d.topics.broadcast(topic, frame)
}

// notifyDebounced schedules a rebuild-and-broadcast after the debounce delay
// unless one is already pending for the topic. The build function runs at
// fire time so the delivered snapshot reflects authoritative state then, not
// when the timer was armed.
func (d *dispatcher) notifyDebounced(topic string, build func() (wsFrame, bool)) {
	d.mu.Lock()
	if _, exists := d.pending[topic]; exists {
		d.mu.Unlock()
		return
	}
	d.pending[topic] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.pending, topic)
		d.mu.Unlock()

		frame, ok := build()
		if !ok {
			return
		}
		d.topics.broadcast(topic, frame)
	})
	d.mu.Unlock()
}

// close cancels every pending debounce timer.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic, timer := range d.pending {
		timer.Stop()
		delete(d.pending, topic)
	}
}
