package link

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterhinch/mqtt-gateway/radio"
)

// feedDriver delivers a scripted sequence of frames to Recv, one at a time,
// then blocks until ctx is done.
type feedDriver struct {
	frames [][]byte
	idx    int
	sent   [][]byte
}

func (d *feedDriver) AddPeer(mac radio.MAC) error { return nil }

func (d *feedDriver) Send(mac radio.MAC, frame []byte) error {
	d.sent = append(d.sent, frame)
	return nil
}

func (d *feedDriver) Recv(ctx context.Context) (radio.MAC, []byte, error) {
	if d.idx < len(d.frames) {
		f := d.frames[d.idx]
		d.idx++
		return radio.MAC{}, f, nil
	}
	<-ctx.Done()
	return radio.MAC{}, nil, ctx.Err()
}

func newTestAsyncLink(t *testing.T, driver radio.Driver) *AsyncLink {
	wifi := &fakeWifi{}
	l, err := NewAsync(context.Background(), nil, driver, wifi, Config{
		Gateway:      radio.MAC{0xAA}.String(),
		Strategy:     ChannelFixed,
		Channel:      6,
		PollInterval: time.Hour, // keep the poller quiet during these tests
	})
	require.NoError(t, err)
	return l
}

func TestAsyncLinkReadLoopClassifiesAck(t *testing.T) {
	driver := &feedDriver{frames: [][]byte{[]byte("ACK")}}
	l := newTestAsyncLink(t, driver)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	l.readLoop(ctx)

	select {
	case <-l.ackCh:
	default:
		t.Fatal("expected ack to be emitted")
	}
	assert.True(t, l.espConnected.get())
	assert.True(t, l.wifiConnected.get())
}

func TestAsyncLinkReadLoopClassifiesDownVariants(t *testing.T) {
	for _, tag := range []string{"NAK", "BAD", "DOWN"} {
		driver := &feedDriver{frames: [][]byte{[]byte(tag)}}
		l := newTestAsyncLink(t, driver)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		l.readLoop(ctx)
		cancel()

		select {
		case <-l.downCh:
		default:
			t.Fatalf("tag %s: expected down edge", tag)
		}
		assert.False(t, l.wifiConnected.get(), "tag %s", tag)
	}
}

func TestAsyncLinkReadLoopDeliversApplicationFrame(t *testing.T) {
	frame, _ := json.Marshal([]interface{}{"sensors/temp", "21.5", false})
	driver := &feedDriver{frames: [][]byte{frame}}
	l := newTestAsyncLink(t, driver)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	l.readLoop(ctx)

	select {
	case got := <-l.inbound:
		topic, payload, retained, ok := DecodeInbound(got)
		require.True(t, ok)
		assert.Equal(t, "sensors/temp", topic)
		assert.Equal(t, "21.5", string(payload))
		assert.False(t, retained)
	default:
		t.Fatal("expected an inbound application frame")
	}
}

func TestAsyncLinkPublishWaitsForConnectivityThenAcks(t *testing.T) {
	driver := &feedDriver{}
	l := newTestAsyncLink(t, driver)
	l.espConnected.set(true)
	l.wifiConnected.set(true)

	done := make(chan error, 1)
	go func() { done <- l.Publish(context.Background(), "t", []byte("v"), false, 0) }()

	time.Sleep(20 * time.Millisecond)
	l.emitAck()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after ack")
	}
	require.Len(t, driver.sent, 1)
}

func TestAsyncLinkSubscribeSendsFrame(t *testing.T) {
	driver := &feedDriver{}
	l := newTestAsyncLink(t, driver)

	require.NoError(t, l.Subscribe("sensors/temp", 1))
	require.Len(t, driver.sent, 1)

	var fields []json.RawMessage
	require.NoError(t, json.Unmarshal(driver.sent[0], &fields))
	assert.Len(t, fields, 2)
}
