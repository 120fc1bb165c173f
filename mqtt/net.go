package mqtt

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// dial opens the transport for o: plain TCP, or TLS when UseTLS is set. It
// does not recognise a ws:// Server and never opens a websocket; that is
// dialWebSocket's job, which Session does not call. Grounded on the
// teacher's openConnection/attemptConnection split (net.Conn as the uniform
// socket abstraction regardless of transport).
func dial(o Options) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", o.Server, o.Port)

	if o.UseTLS {
		cfg := o.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		return tls.Dial("tcp", addr, cfg)
	}
	return net.Dial("tcp", addr)
}

// dialWebSocket opens a websocket to url and wraps it as a net.Conn-shaped
// byte stream, grounded on breezymind-gomqtt/websocket_conn.go's
// webSocketStream (NextReader/NextWriter framing layered under the
// already-framed MQTT byte protocol).
func dialWebSocket(url string, header map[string][]string) (*wsConn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: conn}, nil
}

// wsConn adapts a *websocket.Conn to io.Reader/io.Writer/io.Closer. It has
// no deadline methods, so it is not a net.Conn and Session cannot hold one
// in place of a TCP socket. Mirrors
// breezymind-gomqtt/websocket_conn.go's webSocketStream.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	w, err := c.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	defer w.Close()
	return w.Write(p)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// asRead performs a deadline-bounded read of exactly len(buf) bytes,
// stamping lastRx on success. Grounded on mqtt_as.py's _as_read: a
// non-blocking loop that retries transient errors and fails with
// ErrSocketDown on deadline expiry or peer closure.
func asRead(conn net.Conn, buf []byte, timeout time.Duration, lastRx *atomicTime) error {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return ErrSocketDown
		}
	}
	_, err := io.ReadFull(conn, buf)
	if err != nil {
		return ErrSocketDown
	}
	lastRx.set(time.Now())
	return nil
}

// asWrite performs a deadline-bounded full write of buf. Grounded on
// mqtt_as.py's _as_write.
func asWrite(conn net.Conn, buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return ErrSocketDown
		}
	}
	_, err := conn.Write(buf)
	if err != nil {
		return ErrSocketDown
	}
	return nil
}
