package mqtt

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/peterhinch/mqtt-gateway/packets"
)

// SubscribeCallback delivers an inbound PUBLISH to application code. It runs
// on the session's message loop goroutine; callers that need to do slow work
// should hand off to their own goroutine.
type SubscribeCallback func(topic string, payload []byte, retained bool)

// Session is one broker connection: CONNECT/CONNACK, PUBLISH (in/out),
// SUBSCRIBE/SUBACK, UNSUBSCRIBE/UNSUBACK, PINGREQ/PINGRESP, DISCONNECT, PID
// tracking, last-will. Grounded line-for-line on
// original_source/mqtt_as/mqtt_as.py's MQTT_base. Session has no opinion
// about reconnection; that's Client's job (component C).
type Session struct {
	opts Options
	cb   SubscribeCallback

	conn   net.Conn
	connMu sync.Mutex // guards conn swap on close/connect, not packet writes

	sockLock sync.Mutex // serializes every full packet write; reads do not take it
	pids     *pidAllocator

	lastRx atomicTime

	connected bool
	mu        sync.RWMutex

	waiters       ackWaiters
	waitersInitMu sync.Mutex

	repubCount uint64 // atomic, mirrors mqtt_as.py's REPUB_COUNT
}

// NewSession constructs an unconnected Session. cb receives every inbound
// PUBLISH (QoS 0 and 1 alike); the PUBACK for QoS-1 deliveries is sent
// automatically once cb returns.
func NewSession(opts Options, cb SubscribeCallback) *Session {
	return &Session{
		opts: opts,
		cb:   cb,
		pids: newPIDAllocator(),
	}
}

func (s *Session) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// IsConnected reports whether CONNECT/CONNACK has completed and Close has
// not since been called.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Connect opens the transport, sends CONNECT, and reads the 4-byte CONNACK.
// clean selects the clean-session flag for this attempt (callers pass
// CleanInit on a first connect, Clean on reconnects, per spec.md §4.C).
func (s *Session) Connect(ctx context.Context, clean bool) error {
	conn, err := dial(s.opts)
	if err != nil {
		debugLog.Debugf("connect: dial failed: %v", err)
		return ErrSocketDown
	}

	keepAlive, err := s.opts.keepAliveSeconds()
	if err != nil {
		conn.Close()
		return err
	}

	connectPkt, err := packets.EncodeConnect(packets.ConnectOptions{
		ClientID:     s.opts.ClientID,
		CleanSession: clean,
		KeepAlive:    keepAlive,
		Username:     s.opts.Username,
		HasPassword:  s.opts.Password != nil,
		Password:     s.opts.Password,
		Will:         s.opts.toPacketsWill(),
	})
	if err != nil {
		conn.Close()
		return err
	}

	if err := asWrite(conn, connectPkt, s.opts.ResponseTime); err != nil {
		conn.Close()
		return err
	}

	if err := packets.ReadConnack(deadlineReader{conn, s.opts.ResponseTime}); err != nil {
		conn.Close()
		errorLog.Errorf("connect: bad CONNACK: %v", err)
		return ErrBadConnack
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.lastRx.set(time.Now())
	s.pids.reset()
	s.setConnected(true)
	debugLog.Debug("connected to broker")
	return nil
}

// deadlineReader applies a read deadline before each Read, so ReadConnack
// (which reads through the plain io.Reader interface) still honors
// ResponseTime the way asRead does for every other read in this package.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return d.conn.Read(p)
}

// Close closes the underlying socket. Safe to call more than once.
func (s *Session) Close() {
	s.setConnected(false)
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

// Disconnect sends the best-effort DISCONNECT packet and closes the socket.
func (s *Session) Disconnect() {
	s.sockLock.Lock()
	if s.conn != nil {
		asWrite(s.conn, packets.EncodeDisconnect(), s.opts.ResponseTime)
	}
	s.sockLock.Unlock()
	s.Close()
}

// Publish sends a PUBLISH. QoS 0 sends and returns. QoS 1 allocates a PID,
// sends with dup=0, awaits the matching PUBACK within ResponseTime,
// re-sending with dup=1 up to MaxRepubs times before failing with ErrNoAck.
// Grounded on MQTT_base.publish/_publish and MQTT_base._await_pid.
func (s *Session) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if strings.IndexByte(topic, 0) >= 0 {
		return ErrIllegalTopic
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}

	var pid uint16
	if qos == 1 {
		pid = s.pids.allocate()
	}

	if err := s.writePublish(topic, payload, retain, qos, false, pid); err != nil {
		if qos == 1 {
			s.pids.release(pid)
		}
		return err
	}
	if qos == 0 {
		return nil
	}

	ackCh := s.registerAckWaiter(pid)
	defer s.unregisterAckWaiter(pid)

	for attempt := 0; ; attempt++ {
		select {
		case <-ackCh:
			return nil
		case <-time.After(s.opts.ResponseTime):
		}
		if attempt >= s.opts.MaxRepubs || !s.IsConnected() {
			s.pids.release(pid)
			return ErrNoAck
		}
		if err := s.writePublish(topic, payload, retain, qos, true, pid); err != nil {
			s.pids.release(pid)
			return err
		}
		atomic.AddUint64(&s.repubCount, 1)
	}
}

// RepubCount returns the number of dup=1 QoS-1 resends issued because a
// PUBACK didn't arrive within ResponseTime. Mirrors mqtt_as.py's REPUB_COUNT,
// incremented in the base-publish resend loop (not on outright socket loss,
// which Client's outage counter already tracks separately).
func (s *Session) RepubCount() uint64 { return atomic.LoadUint64(&s.repubCount) }

func (s *Session) writePublish(topic string, payload []byte, retain bool, qos byte, dup bool, pid uint16) error {
	pkt, err := packets.EncodePublish(packets.PublishOptions{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
		Dup:     dup,
		PID:     pid,
	})
	if err != nil {
		return translatePacketsErr(err)
	}
	s.sockLock.Lock()
	defer s.sockLock.Unlock()
	if s.conn == nil {
		return ErrSocketDown
	}
	if err := asWrite(s.conn, pkt, s.opts.ResponseTime); err != nil {
		return err
	}
	return nil
}

// Subscribe allocates a PID, sends SUBSCRIBE, and awaits the matching
// SUBACK; return code 0x80 is failure.
func (s *Session) Subscribe(topic string, qos byte) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	pid := s.pids.allocate()
	pkt, err := packets.EncodeSubscribe(pid, []packets.Subscription{{Topic: topic, QoS: qos}})
	if err != nil {
		s.pids.release(pid)
		return translatePacketsErr(err)
	}
	return s.sendAndAwait(pid, pkt)
}

// Unsubscribe allocates a PID, sends UNSUBSCRIBE, and awaits UNSUBACK.
func (s *Session) Unsubscribe(topic string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	pid := s.pids.allocate()
	pkt := packets.EncodeUnsubscribe(pid, []string{topic})
	return s.sendAndAwait(pid, pkt)
}

func (s *Session) sendAndAwait(pid uint16, pkt []byte) error {
	ackCh := s.registerAckWaiter(pid)
	defer s.unregisterAckWaiter(pid)

	s.sockLock.Lock()
	err := func() error {
		if s.conn == nil {
			return ErrSocketDown
		}
		return asWrite(s.conn, pkt, s.opts.ResponseTime)
	}()
	s.sockLock.Unlock()
	if err != nil {
		s.pids.release(pid)
		return err
	}

	select {
	case res := <-ackCh:
		if !res.ok {
			s.pids.release(pid)
			return ErrNoAck
		}
		return nil
	case <-time.After(s.opts.ResponseTime):
		s.pids.release(pid)
		return ErrNoAck
	}
}

// Ping sends PINGREQ (0xC0 0x00).
func (s *Session) Ping() error {
	s.sockLock.Lock()
	defer s.sockLock.Unlock()
	if s.conn == nil {
		return ErrSocketDown
	}
	return asWrite(s.conn, packets.EncodePingreq(), s.opts.ResponseTime)
}

// LastRx returns the time of the last successfully read byte from the
// broker, used by the keepalive watchdog in Client.
func (s *Session) LastRx() time.Time {
	return s.lastRx.get()
}

// ackWaiter is how WaitMsg hands a PUBACK/SUBACK/UNSUBACK to the goroutine
// blocked in Publish/Subscribe/Unsubscribe, since a single cooperative
// socket lock (rather than mqtt_as.py's rcv_pids set polled every 100ms)
// would otherwise require busy-waiting in Go.
type ackResult struct{ ok bool }

type ackWaiters struct {
	mu sync.Mutex
	m  map[uint16]chan ackResult
}

func (s *Session) registerAckWaiter(pid uint16) chan ackResult {
	s.ackWaitersOnce()
	ch := make(chan ackResult, 1)
	s.waiters.mu.Lock()
	s.waiters.m[pid] = ch
	s.waiters.mu.Unlock()
	return ch
}

func (s *Session) unregisterAckWaiter(pid uint16) {
	s.waiters.mu.Lock()
	delete(s.waiters.m, pid)
	s.waiters.mu.Unlock()
}

func (s *Session) deliverAck(pid uint16, ok bool) bool {
	s.waiters.mu.Lock()
	ch, found := s.waiters.m[pid]
	s.waiters.mu.Unlock()
	if !found {
		return false
	}
	select {
	case ch <- ackResult{ok: ok}:
	default:
	}
	return true
}

func (s *Session) ackWaitersOnce() {
	s.waitersInitMu.Lock()
	defer s.waitersInitMu.Unlock()
	if s.waiters.m == nil {
		s.waiters.m = make(map[uint16]chan ackResult)
	}
}

// WaitMsg parses and processes one inbound packet: PUBACK/SUBACK/UNSUBACK
// resolve the matching ack waiter; a QoS-1 PUBLISH is delivered to the
// subscribe callback and then PUBACK'd with the same PID; PINGRESP and QoS-0
// PUBLISH update/delivery only. Grounded on MQTT_base.wait_msg.
//
// The read itself takes no lock, so it can run while another goroutine
// writes; only the PUBACK write takes the socket lock, like every other write.
func (s *Session) WaitMsg() error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrSocketDown
	}

	ev, err := packets.ReadPacket(deadlineReader{conn, s.opts.ResponseTime})
	if err != nil {
		return ErrSocketDown
	}
	s.lastRx.set(time.Now())
	debugLog.Tracef("inbound packet: %s", spew.Sdump(ev))

	switch ev.Kind {
	case packets.EventPingResp:
		return nil

	case packets.EventPubAck:
		s.pids.release(ev.PID)
		s.deliverAck(ev.PID, true)
		return nil

	case packets.EventSubAck:
		ok := len(ev.Granted) > 0 && ev.Granted[0] != 0x80
		s.pids.release(ev.PID)
		s.deliverAck(ev.PID, ok)
		return nil

	case packets.EventUnsubAck:
		s.pids.release(ev.PID)
		s.deliverAck(ev.PID, true)
		return nil

	case packets.EventPublish:
		if s.cb != nil {
			s.cb(ev.Topic, ev.Payload, ev.Retained)
		}
		if ev.QoS == 1 {
			s.sockLock.Lock()
			if s.conn != nil {
				asWrite(s.conn, packets.EncodePuback(ev.PID), s.opts.ResponseTime)
			}
			s.sockLock.Unlock()
		}
		return nil
	}
	return nil
}

func translatePacketsErr(err error) error {
	switch err {
	case packets.ErrStringsTooLong:
		return ErrStringsTooLong
	case packets.ErrBadQoS:
		return ErrBadQoS
	case packets.ErrEmptyWillTopic:
		return ErrIllegalTopic
	default:
		return err
	}
}
