// Package radio defines the external collaborator interfaces the gateway
// (component D) and node link layer (component E) drive: the ESP-NOW radio
// and the WiFi station/AP adapter. Per spec.md §1 these are out of scope —
// specified only at their interface — so this package carries no driver
// implementation, only the MAC addressing type and the interfaces
// themselves.
package radio

import (
	"encoding/hex"
	"errors"
)

// MACLen is the length in bytes of an ESP-NOW peer address.
const MACLen = 6

// ErrBadMAC is returned by ParseMAC for any input that isn't exactly 12 hex
// characters.
var ErrBadMAC = errors.New("radio: malformed MAC")

// MAC is a 6-byte ESP-NOW peer address, rendered as hex for gateway peer
// keys (spec.md §3: "Keyed by peer id (6-byte MAC rendered as hex)").
// Grounded on original_source/gateway/__init__.py and
// original_source/gateway/nodes/link.py's pervasive
// bytes.hex(mac)/bytes.fromhex(node_id) conversions.
type MAC [MACLen]byte

// String renders the MAC as lowercase hex, matching bytes.hex(mac).
func (m MAC) String() string {
	return hex.EncodeToString(m[:])
}

// ParseMAC parses a hex string produced by MAC.String (or
// bytes.fromhex(node_id) in the original source) back into a MAC.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != MACLen {
		return m, ErrBadMAC
	}
	copy(m[:], b)
	return m, nil
}
