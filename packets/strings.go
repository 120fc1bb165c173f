package packets

import (
	"bytes"
	"encoding/binary"
	"io"
)

// writeString appends a 16-bit length-prefixed UTF-8 string, per MQTT 3.1.1
// §1.5.3.
func writeString(buf *bytes.Buffer, s string) {
	writeBytesField(buf, []byte(s))
}

// writeBytesField appends a 16-bit length-prefixed byte string. Will
// payloads and passwords are carried this way even though they are not
// necessarily valid UTF-8.
func writeBytesField(buf *bytes.Buffer, b []byte) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// readString reads a 16-bit length-prefixed field from r.
func readString(r io.Reader) (string, error) {
	b, err := readBytesField(r)
	return string(b), err
}

func readBytesField(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}
