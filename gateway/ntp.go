package gateway

import (
	"encoding/binary"
	"net"
	"time"
)

// ntpEpochDelta is the offset between the NTP epoch (1900-01-01) and the
// Unix epoch (1970-01-01), in seconds. original_source/gateway/__init__.py
// computes this conditionally against MicroPython's epoch (2000 vs 1970
// platform builds); this package's host Unix epoch makes the Go constant
// fixed, unlike NTP_DELTA's runtime branch.
const ntpEpochDelta = 2208988800

// queryNTP sends a single SNTP client request to host:123 and returns the
// server's transmit timestamp as a Unix time, or the zero Value and false on
// any failure (DNS, timeout, malformed reply). Grounded on
// original_source/gateway/__init__.py's ntp_time, kept as a small stdlib UDP
// query since spec.md §1 calls the NTP client out as an external
// collaborator specified only at its interface — this is the default,
// swappable implementation.
func queryNTP(host string, timeout time.Duration) (time.Time, bool) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(host, "123"), timeout)
	if err != nil {
		return time.Time{}, false
	}
	defer conn.Close()

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, false
	}

	resp := make([]byte, 48)
	n, err := conn.Read(resp)
	if err != nil || n < 48 {
		return time.Time{}, false
	}

	secs := binary.BigEndian.Uint32(resp[40:44])
	if secs == 0 {
		return time.Time{}, false
	}
	unixSecs := int64(secs) - ntpEpochDelta
	return time.Unix(unixSecs, 0), true
}

// syncClock is the one-shot RTC-sync task: retry every 5 minutes until a
// successful NTP lookup, then return. Grounded on
// original_source/gateway/__init__.py's set_time, translated from its
// cyclic client-back-reference (the Python helper calls back into
// self.connected) into one-way message passing: isUp is polled through a
// function the caller supplies, honoring spec.md §9's cyclic-reference
// redesign note (helper owns no reference back to the gateway; the caller
// owns the helper's inputs).
func syncClock(isUp func() bool, host string, offsetHours int, setClock func(time.Time)) {
	const retryInterval = 300 * time.Second
	offset := time.Duration(offsetHours) * time.Hour
	for {
		if isUp() {
			if t, ok := queryNTP(host, 2*time.Second); ok {
				setClock(t.Add(offset))
				return
			}
		}
		time.Sleep(retryInterval)
	}
}
