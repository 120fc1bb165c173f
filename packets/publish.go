package packets

import "bytes"

// PublishOptions describes one outbound PUBLISH (spec.md §4.A / §3). PID is
// ignored for QoS 0 (0 is the reserved "no PID" value).
type PublishOptions struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Dup     bool
	PID     uint16
}

// EncodePublish builds a PUBLISH packet. Mirrors mqtt_as.py's _publish byte
// layout: fixed header flags pack DUP in bit 3, QoS in bits 1-2, RETAIN in
// bit 0; the PID field is present only for QoS 1.
//
// Rejects with ErrStringsTooLong before ever touching EncodeVarint, per the
// spec.md §4.A boundary: a remaining length of PublishTooLong or more is a
// caller error, not a wire-format exercise.
func EncodePublish(opts PublishOptions) ([]byte, error) {
	if err := checkQoS(opts.QoS); err != nil {
		return nil, err
	}

	var variable bytes.Buffer
	writeString(&variable, opts.Topic)
	if opts.QoS == 1 {
		variable.WriteByte(byte(opts.PID >> 8))
		variable.WriteByte(byte(opts.PID & 0xff))
	}

	remaining := variable.Len() + len(opts.Payload)
	if remaining >= PublishTooLong {
		return nil, ErrStringsTooLong
	}

	firstByte := TypePublish << 4
	if opts.Dup {
		firstByte |= 0x8
	}
	firstByte |= opts.QoS << 1
	if opts.Retain {
		firstByte |= 0x1
	}

	var out bytes.Buffer
	out.WriteByte(firstByte)
	out.Write(EncodeVarint(remaining))
	out.Write(variable.Bytes())
	out.Write(opts.Payload)
	return out.Bytes(), nil
}

// EncodePuback builds the 4-byte PUBACK reply to a QoS-1 PUBLISH.
func EncodePuback(pid uint16) []byte {
	return []byte{TypePuback << 4, 2, byte(pid >> 8), byte(pid & 0xff)}
}

// EncodePingreq builds the 2-byte PINGREQ keepalive probe.
func EncodePingreq() []byte {
	return []byte{firstBytePingreq, 0}
}

// EncodeDisconnect builds the 2-byte DISCONNECT packet.
func EncodeDisconnect() []byte {
	return []byte{firstByteDisconnect, 0}
}
