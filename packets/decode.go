package packets

import (
	"bytes"
	"io"
)

// ReadConnack reads and validates the fixed 4-byte CONNACK reply. Grounded on
// mqtt_as.py's _connect, which reads exactly 4 bytes and checks them against
// a fixed template rather than general-casing the CONNACK variable header.
func ReadConnack(r io.Reader) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if buf[0] != TypeConnack<<4 || buf[1] != 2 || buf[3] != 0 {
		return ErrBadConnack
	}
	return nil
}

// ReadPacket reads one broker-to-client packet from r and classifies it into
// an Event. Grounded on mqtt_as.py's wait_msg: read the fixed-header byte,
// decode the remaining length, then dispatch on the packet type nibble.
//
// A QoS-2 PUBLISH (flags bits 2-1 == 0b10) is a protocol violation this
// client rejects outright rather than downgrading, per the Open Questions
// decision recorded in DESIGN.md.
func ReadPacket(r io.Reader) (Event, error) {
	var firstByte [1]byte
	if _, err := io.ReadFull(r, firstByte[:]); err != nil {
		return Event{}, err
	}
	remaining, err := DecodeVarint(r)
	if err != nil {
		return Event{}, err
	}
	body := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Event{}, err
		}
	}

	packetType := firstByte[0] >> 4
	flags := firstByte[0] & 0x0f

	switch packetType {
	case TypePingresp:
		return Event{Kind: EventPingResp}, nil

	case TypePuback:
		if len(body) < 2 {
			return Event{}, ErrProtocol
		}
		return Event{Kind: EventPubAck, PID: pidFrom(body)}, nil

	case TypeSuback:
		if len(body) < 2 {
			return Event{}, ErrProtocol
		}
		return Event{Kind: EventSubAck, PID: pidFrom(body), Granted: append([]byte(nil), body[2:]...)}, nil

	case TypeUnsuback:
		if len(body) < 2 {
			return Event{}, ErrProtocol
		}
		return Event{Kind: EventUnsubAck, PID: pidFrom(body)}, nil

	case TypePublish:
		qos := (flags >> 1) & 0x3
		if qos == 2 {
			return Event{}, ErrProtocol
		}
		if err := checkQoS(qos); err != nil {
			return Event{}, ErrProtocol
		}
		r := bytes.NewReader(body)
		topic, err := readString(r)
		if err != nil {
			return Event{}, ErrProtocol
		}
		var pid uint16
		if qos == 1 {
			var pidBuf [2]byte
			if _, err := io.ReadFull(r, pidBuf[:]); err != nil {
				return Event{}, ErrProtocol
			}
			pid = uint16(pidBuf[0])<<8 | uint16(pidBuf[1])
		}
		payload := make([]byte, r.Len())
		io.ReadFull(r, payload)
		return Event{
			Kind:     EventPublish,
			Topic:    topic,
			Payload:  payload,
			QoS:      qos,
			Retained: flags&0x1 != 0,
			Dup:      flags&0x8 != 0,
			PID:      pid,
		}, nil

	default:
		// Unknown top nibble: skip it rather than tearing down the
		// connection, matching mqtt_as.py's wait_msg `if op & 0xf0 != 0x30:
		// return`.
		return Event{Kind: EventIgnored}, nil
	}
}

func pidFrom(body []byte) uint16 {
	return uint16(body[0])<<8 | uint16(body[1])
}
