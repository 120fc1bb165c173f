package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterhinch/mqtt-gateway/radio"
)

func TestRingbufQueuePushPeekPop(t *testing.T) {
	q := newRingbufQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))

	msg, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), msg)

	q.pop()
	msg, ok = q.peek()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), msg)

	q.pop()
	_, ok = q.peek()
	assert.False(t, ok)
}

func TestRingbufQueueOverwritesOldestOnOverflow(t *testing.T) {
	q := newRingbufQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c")) // drops "a"

	assert.Equal(t, uint64(1), q.discardCount())
	assert.Equal(t, 2, q.size())

	msg, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), msg)
}

func TestTopicTableAddSubscriberCreatesAndReuses(t *testing.T) {
	tbl := newTopicTable()
	var mac1, mac2 radio.MAC
	mac1[0] = 1
	mac2[0] = 2

	result := tbl.addSubscriber("sensors/temp", 1, mac1)
	assert.Equal(t, subscriberCreatedTopic, result)

	result = tbl.addSubscriber("sensors/temp", 1, mac2)
	assert.Equal(t, subscriberAddedToExisting, result)

	subs := tbl.subscribers("sensors/temp")
	assert.ElementsMatch(t, []radio.MAC{mac1, mac2}, subs)
}

func TestTopicTableAddSubscriberQoSMismatch(t *testing.T) {
	tbl := newTopicTable()
	var mac radio.MAC
	mac[0] = 1

	tbl.addSubscriber("sensors/temp", 1, mac)
	result := tbl.addSubscriber("sensors/temp", 0, mac)
	assert.Equal(t, subscriberQoSMismatch, result)
}

func TestTopicTableEnsureTopicIsIdempotent(t *testing.T) {
	tbl := newTopicTable()
	tbl.ensureTopic("allnodes", 1)
	tbl.ensureTopic("allnodes", 0) // second call must not reset qos

	all := tbl.all()
	assert.Equal(t, byte(1), all["allnodes"])
	assert.Empty(t, tbl.subscribers("allnodes"))
}

func TestDecodeUpstreamCommand(t *testing.T) {
	msg, err := decodeUpstream([]byte(`["ping"]`))
	require.NoError(t, err)
	assert.Equal(t, upstreamCommand, msg.kind)
	assert.Equal(t, "ping", msg.command)
}

func TestDecodeUpstreamSubscribe(t *testing.T) {
	msg, err := decodeUpstream([]byte(`["sensors/temp", 1]`))
	require.NoError(t, err)
	assert.Equal(t, upstreamSubscribe, msg.kind)
	assert.Equal(t, "sensors/temp", msg.subTopic)
	assert.Equal(t, byte(1), msg.subQoS)
}

func TestDecodeUpstreamPublish(t *testing.T) {
	msg, err := decodeUpstream([]byte(`["sensors/temp", "21.5", false, 0]`))
	require.NoError(t, err)
	assert.Equal(t, upstreamPublish, msg.kind)
	assert.Equal(t, "sensors/temp", msg.pubTopic)
	assert.Equal(t, "21.5", msg.pubPayload)
	assert.False(t, msg.pubRetain)
	assert.Equal(t, byte(0), msg.pubQoS)
}

func TestDecodeUpstreamRejectsBadShapes(t *testing.T) {
	_, err := decodeUpstream([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedUpstream)

	_, err = decodeUpstream([]byte(`["a", "b", "c"]`))
	assert.ErrorIs(t, err, ErrMalformedUpstream)
}

func TestEncodeDownstreamRoundTrip(t *testing.T) {
	out, err := encodeDownstream("sensors/temp", []byte("21.5"), true)
	require.NoError(t, err)
	assert.JSONEq(t, `["sensors/temp", "21.5", true]`, string(out))
}

// fakeDriver is a minimal radio.Driver double recording Send/AddPeer calls.
type fakeDriver struct {
	mu       sync.Mutex
	sent     [][]byte
	failNext bool
	peers    map[radio.MAC]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{peers: make(map[radio.MAC]bool)}
}

func (d *fakeDriver) AddPeer(mac radio.MAC) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[mac] = true
	return nil
}

func (d *fakeDriver) Send(mac radio.MAC, frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return errors.New("radio busy")
	}
	d.sent = append(d.sent, frame)
	return nil
}

func (d *fakeDriver) Recv(ctx context.Context) (radio.MAC, []byte, error) {
	<-ctx.Done()
	return radio.MAC{}, nil, ctx.Err()
}

func newTestGateway(driver radio.Driver) *Gateway {
	cfg := Config{QueueLen: 4, PubQueueLen: 4, PubThreshold: 2}
	cfg.PubAll.Topic = "allnodes"
	return New(nil, cfg, nil, driver, nil, radio.MAC{0xAA}, nil)
}

func TestTrySendImmediateWhenQueueEmpty(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9

	g.trySend(mac, []byte("hello"))

	assert.Equal(t, [][]byte{[]byte("hello")}, driver.sent)
	peer, ok := g.peers.get(mac.String())
	require.True(t, ok)
	assert.Equal(t, 0, peer.queue.size())
}

func TestTrySendQueuesWhenSendFails(t *testing.T) {
	driver := newFakeDriver()
	driver.failNext = true
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9

	g.trySend(mac, []byte("hello"))

	assert.Empty(t, driver.sent)
	peer, ok := g.peers.get(mac.String())
	require.True(t, ok)
	assert.Equal(t, 1, peer.queue.size())
}

func TestTrySendQueuesWhenQueueAlreadyNonEmpty(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9
	peer, _ := g.peers.getOrCreate(mac.String())
	peer.queue.push([]byte("pending"))

	g.trySend(mac, []byte("hello"))

	assert.Empty(t, driver.sent) // never attempted: queue already had backlog
	assert.Equal(t, 2, peer.queue.size())
}

func TestTrySendQueuesInLowPowerMode(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	g.cfg.LowPower = true
	var mac radio.MAC
	mac[0] = 9

	g.trySend(mac, []byte("hello"))

	assert.Empty(t, driver.sent)
	peer, ok := g.peers.get(mac.String())
	require.True(t, ok)
	assert.Equal(t, 1, peer.queue.size())
}

func TestQsendDrainsQueueUntilEmpty(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9
	peer, _ := g.peers.getOrCreate(mac.String())
	peer.queue.push([]byte("one"))
	peer.queue.push([]byte("two"))

	g.qsend(mac.String(), mac)

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, driver.sent)
	assert.Equal(t, 0, peer.queue.size())
}

func TestQsendStopsOnFirstFailureLeavingRemainderQueued(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9
	peer, _ := g.peers.getOrCreate(mac.String())
	peer.queue.push([]byte("one"))
	peer.queue.push([]byte("two"))
	driver.failNext = true

	g.qsend(mac.String(), mac)

	assert.Empty(t, driver.sent)
	assert.Equal(t, 2, peer.queue.size())
}

func TestHandlePublishReplyACKBelowThreshold(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9

	g.handlePublish(mac, upstreamMessage{pubTopic: "t", pubPayload: "v"})

	require.Len(t, driver.sent, 1)
	assert.Equal(t, []byte(ReplyACK), driver.sent[0])
	assert.Equal(t, 1, len(g.pubq))
}

func TestHandlePublishReplyNAKAboveThreshold(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9

	g.handlePublish(mac, upstreamMessage{pubTopic: "t1", pubPayload: "v"})
	g.handlePublish(mac, upstreamMessage{pubTopic: "t2", pubPayload: "v"})
	g.handlePublish(mac, upstreamMessage{pubTopic: "t3", pubPayload: "v"})

	assert.Equal(t, []byte(ReplyNAK), driver.sent[2])
}

func TestHandlePublishReplyBADWhenQueueFull(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 9

	for i := 0; i < g.cfg.PubQueueLen; i++ {
		g.handlePublish(mac, upstreamMessage{pubTopic: "t", pubPayload: "v"})
	}
	driver.sent = nil
	g.handlePublish(mac, upstreamMessage{pubTopic: "overflow", pubPayload: "v"})

	require.Len(t, driver.sent, 1)
	assert.Equal(t, []byte(ReplyBAD), driver.sent[0])
}

func TestHandleFrameOnboardsFirstContactPeer(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 7

	g.handleFrame(context.Background(), mac, []byte(`["ping"]`))

	assert.True(t, driver.peers[mac])
	_, onAllTopics := func() (radio.MAC, bool) {
		for _, m := range g.topics.subscribers(g.cfg.PubAll.Topic) {
			if m == mac {
				return m, true
			}
		}
		return radio.MAC{}, false
	}()
	assert.True(t, onAllTopics)
}

func TestHandleFrameIgnoresMalformedFrame(t *testing.T) {
	driver := newFakeDriver()
	g := newTestGateway(driver)
	var mac radio.MAC
	mac[0] = 7

	g.handleFrame(context.Background(), mac, []byte(`not json`))

	assert.Empty(t, driver.sent)
	assert.False(t, driver.peers[mac])
}
