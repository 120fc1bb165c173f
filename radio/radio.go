package radio

import (
	"context"
	"time"
)

// Driver is the ESP-NOW send/receive/peer-registration collaborator. Both
// the gateway (component D, one Driver per gateway fanning out to many
// peers) and the node link layer (component E, one Driver per node talking
// to a single gateway peer) depend on this interface rather than any
// concrete ESP-NOW binding. Grounded on the `espnow.ESPNow` call shape used
// throughout original_source/gateway/__init__.py and
// original_source/gateway/nodes/link.py: `add_peer`, `send`, `recv`.
type Driver interface {
	// AddPeer registers mac as a known ESP-NOW peer. Registering an
	// already-known peer must be a no-op, not an error (gateway.go relies
	// on this for lazy first-contact registration).
	AddPeer(mac MAC) error

	// Send transmits frame to mac. A false/error return means the peer did
	// not acknowledge at the radio layer; callers treat this as transient
	// (spec.md §4.D: "Radio send failure is non-fatal").
	Send(mac MAC, frame []byte) error

	// Recv blocks until a frame arrives or ctx is done, returning the
	// sender's MAC and the raw frame bytes.
	Recv(ctx context.Context) (MAC, []byte, error)
}

// WiFi is the station/AP adapter collaborator the node link layer uses for
// channel acquisition (spec.md §4.E). Grounded on
// original_source/gateway/nodes/link.py's reconnect/find_channel, which
// drive network.WLAN(STA_IF)/network.WLAN(AP_IF) directly.
type WiFi interface {
	// SetChannel configures the station/AP interface to the given WiFi
	// channel (1..14).
	SetChannel(channel int) error

	// Channel returns the interface's current channel.
	Channel() (int, error)

	// Connect associates to an access point using the given SSID/password,
	// returning once association completes or ctx expires. A successful
	// connect has the side effect of learning the channel (spec.md §4.E
	// strategy 2).
	Connect(ctx context.Context, ssid, password string) error
}

// ChannelScanTimeout is the per-channel probe timeout used by the 1..14
// scan strategy (spec.md §4.E strategy 3), matching link.py's 200ms probe
// window.
const ChannelScanTimeout = 200 * time.Millisecond

// APConnectTimeout bounds strategy 2 (credentials-based connect); if
// association hasn't completed within this window the caller raises,
// matching link.py's 5s connect deadline.
const APConnectTimeout = 5 * time.Second
