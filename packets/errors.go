package packets

import "errors"

// Errors returned while encoding or decoding wire packets. These are caller
// errors (malformed input) or protocol errors (malformed wire data), distinct
// from the connectivity errors declared in package mqtt.
var (
	// ErrStringsTooLong is returned by EncodePublish when topic+payload would
	// push the PUBLISH remaining length to PublishTooLong or beyond.
	ErrStringsTooLong = errors.New("packets: topic/payload too long for a single PUBLISH")

	// ErrBadQoS is returned for any QoS value outside {0, 1}. QoS 2 is a
	// deliberate protocol-level rejection (spec.md Non-goals and Open
	// Questions: the design rejects QoS 2 rather than silently downgrading
	// or ignoring it).
	ErrBadQoS = errors.New("packets: only QoS 0 and 1 are supported")

	// ErrEmptyWillTopic is returned when a last-will is configured with an
	// empty topic string.
	ErrEmptyWillTopic = errors.New("packets: will topic must not be empty")

	// ErrMalformedLength is returned by DecodeVarint when the 4th byte still
	// has its continuation bit set (MQTT 3.1.1 §2.2.3 caps remaining length
	// encoding at 4 bytes).
	ErrMalformedLength = errors.New("packets: malformed variable-length integer")

	// ErrProtocol is returned by ReadPacket for wire data that violates the
	// MQTT 3.1.1 framing rules this client enforces: a QoS-2 PUBLISH
	// (flags&6==4), a PUBACK/SUBACK/UNSUBACK body shorter than 2 bytes, or a
	// PUBLISH body too short for its topic or PID. A truncated fixed header
	// or a body cut short by the stream yields the reader's own error
	// (io.EOF / io.ErrUnexpectedEOF) instead.
	ErrProtocol = errors.New("packets: protocol violation")

	// ErrBadConnack is returned when the 4-byte CONNACK does not match
	// "0x20 0x02 <sp> 0x00".
	ErrBadConnack = errors.New("packets: malformed or rejecting CONNACK")
)
