package packets

import "bytes"

// Will describes a last-will registered before CONNECT (spec.md §3).
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
}

// ConnectOptions carries everything EncodeConnect needs to build a CONNECT
// packet. Mirrors the enumerated connection config of spec.md §3; the
// higher-level defaulting (client_id, keepalive validation) lives in package
// mqtt's Options type, not here — this package only encodes what it's given.
type ConnectOptions struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16 // seconds, must be < 65536 (checked by caller)
	Username     string
	HasPassword  bool
	Password     []byte
	Will         *Will
}

// EncodeConnect builds a CONNECT packet in the byte order spec.md §4.A
// requires: client_id, will_topic?, will_payload?, user?, password?.
//
// Flag-byte layout follows original_source/mqtt_as/mqtt_as.py's _connect:
// clean session is bit 1, will presence is bit 2, will QoS occupies bits 3-4
// (encoded as (qos&1)<<3 | (qos&2)<<3, which is how a 2-bit QoS ends up
// packed into bits 3 and 4), will retain is bit 5, password is bit 6 and
// username is bit 7.
func EncodeConnect(opts ConnectOptions) ([]byte, error) {
	if opts.Will != nil {
		if opts.Will.Topic == "" {
			return nil, ErrEmptyWillTopic
		}
		if err := checkQoS(opts.Will.QoS); err != nil {
			return nil, err
		}
	}

	var flags byte
	if opts.CleanSession {
		flags |= flagCleanSession
	}
	if opts.Will != nil {
		flags |= flagWill
		flags |= (opts.Will.QoS & 0x1) << flagWillQoSShift
		flags |= (opts.Will.QoS & 0x2) << flagWillQoSShift
		if opts.Will.Retain {
			flags |= flagWillRetain
		}
	}
	if opts.Username != "" {
		flags |= flagUsername
	}
	if opts.HasPassword {
		flags |= flagPassword
	}

	var variableAndPayload bytes.Buffer
	writeString(&variableAndPayload, ProtocolName)
	variableAndPayload.WriteByte(ProtocolLevel)
	variableAndPayload.WriteByte(flags)
	variableAndPayload.WriteByte(byte(opts.KeepAlive >> 8))
	variableAndPayload.WriteByte(byte(opts.KeepAlive & 0xff))

	writeString(&variableAndPayload, opts.ClientID)
	if opts.Will != nil {
		writeString(&variableAndPayload, opts.Will.Topic)
		writeBytesField(&variableAndPayload, opts.Will.Payload)
	}
	if opts.Username != "" {
		writeString(&variableAndPayload, opts.Username)
	}
	if opts.HasPassword {
		writeBytesField(&variableAndPayload, opts.Password)
	}

	var out bytes.Buffer
	out.WriteByte(TypeConnect << 4)
	out.Write(EncodeVarint(variableAndPayload.Len()))
	out.Write(variableAndPayload.Bytes())
	return out.Bytes(), nil
}

func checkQoS(qos byte) error {
	if qos != 0 && qos != 1 {
		return ErrBadQoS
	}
	return nil
}
