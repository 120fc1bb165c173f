package gateway

import (
	"sync"

	"github.com/peterhinch/mqtt-gateway/radio"
)

// topicEntry is one row of the gateway topic table: qos plus the set of
// peers currently subscribed. Grounded on
// original_source/gateway/__init__.py's self.topics dict
// (`{topic: [qos, {node_id...}]}`).
type topicEntry struct {
	qos   byte
	peers map[radio.MAC]struct{}
}

// topicTable maps topic -> (qos, subscriber set), with one broker-side
// subscription per topic regardless of how many peers want it (spec.md §3).
type topicTable struct {
	mu     sync.Mutex
	topics map[string]*topicEntry
}

func newTopicTable() *topicTable {
	return &topicTable{topics: make(map[string]*topicEntry)}
}

// subscribeResult reports what addSubscriber did, so the caller (ingest)
// knows whether it must issue a broker SUBSCRIBE.
type subscribeResult int

const (
	subscriberAddedToExisting subscribeResult = iota
	subscriberCreatedTopic
	subscriberQoSMismatch
)

// addSubscriber adds peer to topic's subscriber set, creating the topic if
// it doesn't exist. Mirrors the do_esp length-2 branch: an existing topic
// with a mismatched qos logs a warning rather than changing the stored qos.
func (t *topicTable) addSubscriber(topic string, qos byte, peer radio.MAC) subscribeResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.topics[topic]
	if !ok {
		t.topics[topic] = &topicEntry{qos: qos, peers: map[radio.MAC]struct{}{peer: {}}}
		return subscriberCreatedTopic
	}
	e.peers[peer] = struct{}{}
	if e.qos != qos {
		return subscriberQoSMismatch
	}
	return subscriberAddedToExisting
}

// ensureTopic creates topic at the given qos if it doesn't already exist,
// with no subscribers. Used to seed the fan-out topic at startup.
func (t *topicTable) ensureTopic(topic string, qos byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[topic]; !ok {
		t.topics[topic] = &topicEntry{qos: qos, peers: map[radio.MAC]struct{}{}}
	}
}

// ensureDefaultTopic creates the fan-out topic (e.g. "allnodes") at the
// configured qos if it doesn't already exist, and adds peer to it. Used for
// first-contact onboarding.
func (t *topicTable) ensureDefaultTopic(topic string, qos byte, peer radio.MAC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.topics[topic]
	if !ok {
		t.topics[topic] = &topicEntry{qos: qos, peers: map[radio.MAC]struct{}{peer: {}}}
		return
	}
	e.peers[peer] = struct{}{}
}

// subscribers returns the peer set for topic (nil if unknown).
func (t *topicTable) subscribers(topic string) []radio.MAC {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.topics[topic]
	if !ok {
		return nil
	}
	out := make([]radio.MAC, 0, len(e.peers))
	for p := range e.peers {
		out = append(out, p)
	}
	return out
}

// all returns a snapshot of topic -> qos for re-subscribing on an up edge.
func (t *topicTable) all() map[string]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]byte, len(t.topics))
	for topic, e := range t.topics {
		out[topic] = e.qos
	}
	return out
}
