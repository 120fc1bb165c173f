package packets

import "bytes"

// Subscription is one topic filter + requested QoS entry within a SUBSCRIBE
// packet (spec.md §3 allows subscribing to several filters in one call, as
// SubscribeMultiple does in the teacher client).
type Subscription struct {
	Topic string
	QoS   byte
}

// EncodeSubscribe builds a SUBSCRIBE packet carrying one or more topic
// filters under a single PID, per MQTT 3.1.1 §3.8.
func EncodeSubscribe(pid uint16, subs []Subscription) ([]byte, error) {
	for _, s := range subs {
		if err := checkQoS(s.QoS); err != nil {
			return nil, err
		}
	}

	var variable bytes.Buffer
	variable.WriteByte(byte(pid >> 8))
	variable.WriteByte(byte(pid & 0xff))
	for _, s := range subs {
		writeString(&variable, s.Topic)
		variable.WriteByte(s.QoS)
	}

	var out bytes.Buffer
	out.WriteByte(firstByteSubscribe)
	out.Write(EncodeVarint(variable.Len()))
	out.Write(variable.Bytes())
	return out.Bytes(), nil
}

// EncodeUnsubscribe builds an UNSUBSCRIBE packet for one or more topic
// filters under a single PID, per MQTT 3.1.1 §3.10.
func EncodeUnsubscribe(pid uint16, topics []string) []byte {
	var variable bytes.Buffer
	variable.WriteByte(byte(pid >> 8))
	variable.WriteByte(byte(pid & 0xff))
	for _, t := range topics {
		writeString(&variable, t)
	}

	var out bytes.Buffer
	out.WriteByte(firstByteUnsubscribe)
	out.Write(EncodeVarint(variable.Len()))
	out.Write(variable.Bytes())
	return out.Bytes()
}
