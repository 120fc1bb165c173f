package mqtt

import (
	"net"
	"time"
)

// dnsProbe is the fixed DNS query this package sends to 8.8.8.8:53 when
// testing WAN reachability, byte-for-byte the query mqtt_as.py's wan_ok
// hardcodes (a lookup for www.google.com, type A).
var dnsProbe = []byte{
	0x24, 0x1a, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x03, 'w', 'w', 'w', 0x06, 'g', 'o', 'o', 'g', 'l', 'e', 0x03, 'c', 'o', 'm', 0x00,
	0x00, 0x01, 0x00, 0x01,
}

// BrokerUp probes broker reachability: if a byte was received within the
// last second, the broker is assumed up without sending anything; otherwise
// it sends a PING and waits up to ResponseTime for last_rx to advance.
// Grounded on MQTT_base.broker_up.
func (s *Session) BrokerUp() bool {
	if !s.IsConnected() {
		return false
	}
	last := s.LastRx()
	if time.Since(last) < time.Second {
		return true
	}
	if err := s.Ping(); err != nil {
		return false
	}
	deadline := time.Now().Add(s.opts.ResponseTime)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if s.LastRx().After(last) {
			return true
		}
	}
	return false
}

// WanOK sends a 32-byte DNS query to 8.8.8.8:53 and reports whether a
// 32-byte reply arrives within ResponseTime. Grounded on MQTT_base.wan_ok;
// kept as a standalone UDP probe since it does not share the broker socket.
func (s *Session) WanOK() bool {
	if !s.IsConnected() {
		return false
	}
	conn, err := net.DialTimeout("udp", "8.8.8.8:53", s.opts.ResponseTime)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.opts.ResponseTime))
	if _, err := conn.Write(dnsProbe); err != nil {
		return false
	}

	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	return err == nil && n == 32
}
