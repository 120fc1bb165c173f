package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeVarintBoundaries(t *testing.T) {
	cases := []struct {
		n       int
		nBytes  int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
	}
	for _, c := range cases {
		enc := EncodeVarint(c.n)
		assert.Equal(t, c.nBytes, len(enc))
		got, err := DecodeVarint(bytes.NewReader(enc))
		assert.NoError(t, err)
		assert.Equal(t, c.n, got)
	}
}

func TestDecodeVarintRejectsFiveByteEncoding(t *testing.T) {
	malformed := []byte{0x80, 0x80, 0x80, 0x80, 0x01}
	_, err := DecodeVarint(bytes.NewReader(malformed))
	assert.ErrorIs(t, err, ErrMalformedLength)
}

func TestEncodeConnectCleanSession(t *testing.T) {
	pkt, err := EncodeConnect(ConnectOptions{
		ClientID:     "node1",
		CleanSession: true,
		KeepAlive:    60,
	})
	assert.NoError(t, err)
	assert.Equal(t, TypeConnect<<4, pkt[0])

	r := bytes.NewReader(pkt[1:])
	remaining, err := DecodeVarint(r)
	assert.NoError(t, err)
	body := make([]byte, remaining)
	_, err = r.Read(body)
	assert.NoError(t, err)

	// protocol name (6 bytes: 2-byte length + "MQTT"), level, then flags.
	flags := body[6+1]
	assert.Equal(t, flagCleanSession, flags)

	keepAlive := uint16(body[8])<<8 | uint16(body[9])
	assert.Equal(t, uint16(60), keepAlive)
}

func TestEncodeConnectWithWillRejectsEmptyTopic(t *testing.T) {
	_, err := EncodeConnect(ConnectOptions{
		ClientID: "node1",
		Will:     &Will{Topic: "", Payload: []byte("down")},
	})
	assert.ErrorIs(t, err, ErrEmptyWillTopic)
}

func TestEncodeConnectRejectsQoS2Will(t *testing.T) {
	_, err := EncodeConnect(ConnectOptions{
		ClientID: "node1",
		Will:     &Will{Topic: "status", QoS: 2},
	})
	assert.ErrorIs(t, err, ErrBadQoS)
}

func TestEncodePublishQoS0RoundTrip(t *testing.T) {
	pkt, err := EncodePublish(PublishOptions{
		Topic:   "sensors/temp",
		Payload: []byte("21.5"),
		QoS:     0,
	})
	assert.NoError(t, err)

	r := bytes.NewReader(pkt[1:])
	_, err = DecodeVarint(r) // skip remaining length, already validated by EncodePublish
	assert.NoError(t, err)

	ev, err := ReadPacket(bytes.NewReader(pkt))
	assert.NoError(t, err)
	assert.Equal(t, EventPublish, ev.Kind)
	assert.Equal(t, "sensors/temp", ev.Topic)
	assert.Equal(t, []byte("21.5"), ev.Payload)
	assert.Equal(t, byte(0), ev.QoS)
}

func TestEncodePublishQoS1CarriesPID(t *testing.T) {
	pkt, err := EncodePublish(PublishOptions{
		Topic:   "sensors/temp",
		Payload: []byte("21.5"),
		QoS:     1,
		PID:     42,
	})
	assert.NoError(t, err)

	ev, err := ReadPacket(bytes.NewReader(pkt))
	assert.NoError(t, err)
	assert.Equal(t, byte(1), ev.QoS)
	assert.Equal(t, uint16(42), ev.PID)
}

func TestEncodePublishRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, PublishTooLong)
	_, err := EncodePublish(PublishOptions{Topic: "t", Payload: huge})
	assert.ErrorIs(t, err, ErrStringsTooLong)
}

func TestEncodePublishRejectsQoS2(t *testing.T) {
	_, err := EncodePublish(PublishOptions{Topic: "t", Payload: []byte("x"), QoS: 2})
	assert.ErrorIs(t, err, ErrBadQoS)
}

func TestReadPacketRejectsQoS2Publish(t *testing.T) {
	var variable bytes.Buffer
	writeString(&variable, "t")
	variable.Write([]byte("x"))

	var raw bytes.Buffer
	raw.WriteByte(TypePublish<<4 | (2 << 1))
	raw.Write(EncodeVarint(variable.Len()))
	raw.Write(variable.Bytes())

	_, err := ReadPacket(bytes.NewReader(raw.Bytes()))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadPacketIgnoresUnknownTopNibble(t *testing.T) {
	var raw bytes.Buffer
	raw.WriteByte(0x00) // reserved type 0, not any defined packet
	raw.Write(EncodeVarint(0))

	ev, err := ReadPacket(bytes.NewReader(raw.Bytes()))
	assert.NoError(t, err)
	assert.Equal(t, EventIgnored, ev.Kind)
}

func TestEncodeSubscribeUnsubscribeFixedHeader(t *testing.T) {
	pkt, err := EncodeSubscribe(7, []Subscription{{Topic: "a/b", QoS: 1}, {Topic: "c/#", QoS: 0}})
	assert.NoError(t, err)
	assert.Equal(t, firstByteSubscribe, pkt[0])

	unpkt := EncodeUnsubscribe(7, []string{"a/b", "c/#"})
	assert.Equal(t, firstByteUnsubscribe, unpkt[0])
}

func TestEncodeSubscribeRejectsQoS2(t *testing.T) {
	_, err := EncodeSubscribe(1, []Subscription{{Topic: "a", QoS: 2}})
	assert.ErrorIs(t, err, ErrBadQoS)
}

func TestReadConnackAccepted(t *testing.T) {
	ok := []byte{TypeConnack << 4, 2, 0, 0}
	assert.NoError(t, ReadConnack(bytes.NewReader(ok)))
}

func TestReadConnackRejected(t *testing.T) {
	bad := []byte{TypeConnack << 4, 2, 0, 5}
	err := ReadConnack(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrBadConnack)
}

func TestReadPacketPingResp(t *testing.T) {
	pingresp := []byte{TypePingresp << 4, 0}
	ev, err := ReadPacket(bytes.NewReader(pingresp))
	assert.NoError(t, err)
	assert.Equal(t, EventPingResp, ev.Kind)
}

func TestReadPacketEmptyReaderErrors(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestReadPacketPubAckSubAckUnsubAck(t *testing.T) {
	puback := []byte{TypePuback << 4, 2, 0, 9}
	ev, err := ReadPacket(bytes.NewReader(puback))
	assert.NoError(t, err)
	assert.Equal(t, EventPubAck, ev.Kind)
	assert.Equal(t, uint16(9), ev.PID)

	suback := []byte{TypeSuback << 4, 3, 0, 9, 0x01}
	ev, err = ReadPacket(bytes.NewReader(suback))
	assert.NoError(t, err)
	assert.Equal(t, EventSubAck, ev.Kind)
	assert.Equal(t, []byte{0x01}, ev.Granted)

	unsuback := []byte{TypeUnsuback << 4, 2, 0, 9}
	ev, err = ReadPacket(bytes.NewReader(unsuback))
	assert.NoError(t, err)
	assert.Equal(t, EventUnsubAck, ev.Kind)
}
