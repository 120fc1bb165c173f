package mqtt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterhinch/mqtt-gateway/packets"
)

// connectedSession builds a Session wired directly to one end of a net.Pipe,
// bypassing Connect/CONNACK so Publish can be exercised against a scripted
// fake broker on the other end. A background goroutine drives WaitMsg so
// inbound PUBACKs get decoded and delivered to the waiting Publish call, the
// way Client's message loop does in production.
func connectedSession(t *testing.T, opts Options) (*Session, net.Conn) {
	t.Helper()
	client, broker := net.Pipe()
	s := NewSession(opts, nil)
	s.conn = client
	s.setConnected(true)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				s.WaitMsg()
			}
		}
	}()

	t.Cleanup(func() {
		close(stop)
		client.Close()
		broker.Close()
	})
	return s, broker
}

// TestSessionPublishResendIncrementsRepubCount exercises a dropped PUBACK: the
// fake broker silently discards the first (dup=0) PUBLISH and only PUBACKs
// the second (dup=1) resend. RepubCount must increment exactly once, for the
// resend — not for the original send, and not for anything socket-down
// related (that's Client.Outages' concern).
func TestSessionPublishResendIncrementsRepubCount(t *testing.T) {
	opts := DefaultOptions()
	opts.ResponseTime = 30 * time.Millisecond
	opts.MaxRepubs = 3
	s, broker := connectedSession(t, opts)

	done := make(chan error, 1)
	go func() { done <- s.Publish("t", []byte("v"), false, 1) }()

	first, err := packets.ReadPacket(broker)
	require.NoError(t, err)
	require.Equal(t, packets.EventPublish, first.Kind)
	assert.False(t, first.Dup, "first attempt must not set dup")

	second, err := packets.ReadPacket(broker)
	require.NoError(t, err)
	require.Equal(t, packets.EventPublish, second.Kind)
	assert.True(t, second.Dup, "resend must set dup")

	_, err = broker.Write(packets.EncodePuback(second.PID))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after PUBACK")
	}

	assert.Equal(t, uint64(1), s.RepubCount())
}

// TestSessionPublishNoResendLeavesRepubCountZero confirms a PUBACK that
// arrives for the first attempt doesn't touch RepubCount at all.
func TestSessionPublishNoResendLeavesRepubCountZero(t *testing.T) {
	opts := DefaultOptions()
	opts.ResponseTime = 200 * time.Millisecond
	s, broker := connectedSession(t, opts)

	done := make(chan error, 1)
	go func() { done <- s.Publish("t", []byte("v"), false, 1) }()

	ev, err := packets.ReadPacket(broker)
	require.NoError(t, err)
	_, err = broker.Write(packets.EncodePuback(ev.PID))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after PUBACK")
	}

	assert.Equal(t, uint64(0), s.RepubCount())
}
