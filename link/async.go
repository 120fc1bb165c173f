package link

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peterhinch/mqtt-gateway/radio"
)

// cmdAget is the "aget" poll command: ask the gateway for queued messages
// while also reporting link status, matching ALink.AGET.
var cmdAget = mustEncodeCommand("aget")

// AsyncLink is the event-driven node-side ESPNow link: a reader goroutine
// classifies every inbound frame into a status edge (ACK/NAK/BAD/UP/DOWN) or
// an application frame, and Publish blocks on a channel-delivered ack rather
// than polling. Grounded on
// original_source/mqtt_as/esp32_gateway/anodes/alink.py's ALink class.
type AsyncLink struct {
	lg      *log.Entry
	driver  radio.Driver
	wifi    radio.WiFi
	gateway radio.MAC
	cfg     Config

	pubLock sync.Mutex // serializes Publish calls, mirroring ALink.pub_lock
	txLock  sync.Mutex // serializes individual sends, mirroring ALink.tx_lock

	espConnected  atomic32
	wifiConnected atomic32

	ackCh  chan struct{}
	upCh   chan struct{}
	downCh chan struct{}

	inbound chan []byte

	channel int
}

// atomic32 is a mutex-guarded bool flag, so the reader goroutine and Publish
// can read and write link status concurrently.
type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomic32) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

// NewAsync acquires a channel and constructs an AsyncLink ready for Run. lg
// is the leveled logger the link logs through; pass nil to fall back to a
// package-default entry. Grounded on ALink.__init__ + reconnect.
func NewAsync(ctx context.Context, lg *log.Entry, driver radio.Driver, wifi radio.WiFi, cfg Config) (*AsyncLink, error) {
	if lg == nil {
		lg = defaultLogger()
	}
	gateway, err := cfg.GatewayMAC()
	if err != nil {
		return nil, err
	}
	channel, err := acquireChannel(ctx, wifi, driver, gateway, cfg)
	if err != nil {
		lg.WithError(err).Error("channel acquisition failed")
		return nil, err
	}
	lg.WithField("channel", channel).Info("channel acquired")
	driver.AddPeer(gateway)

	return &AsyncLink{
		lg:      lg.WithField("gateway", gateway.String()),
		driver:  driver,
		wifi:    wifi,
		gateway: gateway,
		cfg:     cfg,
		channel: channel,
		ackCh:   make(chan struct{}, 1),
		upCh:    make(chan struct{}, 1),
		downCh:  make(chan struct{}, 1),
		inbound: make(chan []byte, 16),
	}, nil
}

func (l *AsyncLink) Channel() int { return l.channel }

// Up returns the edge-triggered channel signalled whenever the gateway
// reports (or implies, via ACK) the broker is reachable.
func (l *AsyncLink) Up() <-chan struct{} { return l.upCh }

// Down returns the edge-triggered channel signalled whenever the gateway
// reports the broker is unreachable.
func (l *AsyncLink) Down() <-chan struct{} { return l.downCh }

// Inbound returns the channel of raw application frames (downstream
// publishes), still JSON-encoded; callers decode with DecodeInbound.
func (l *AsyncLink) Inbound() <-chan []byte { return l.inbound }

// DecodeInbound parses one frame from Inbound() into (topic, payload,
// retained), mirroring ALink.__anext__'s json.loads.
func DecodeInbound(frame []byte) (topic string, payload []byte, retained bool, ok bool) {
	var fields [3]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return "", nil, false, false
	}
	var t, p string
	var r bool
	if json.Unmarshal(fields[0], &t) != nil || json.Unmarshal(fields[1], &p) != nil || json.Unmarshal(fields[2], &r) != nil {
		return "", nil, false, false
	}
	return t, []byte(p), r, true
}

// Run launches the reader goroutine and the periodic poller; it blocks
// until ctx is cancelled. Grounded on ALink.run (the async-for frame
// classifier loop) plus the asyncio.create_task(self._poll()) it launches.
func (l *AsyncLink) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- l.readLoop(ctx) }()
	go func() { errCh <- l.pollLoop(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// readLoop classifies every inbound frame: ACK/NAK/BAD/UP/DOWN update link
// status, anything else is an application frame handed to Inbound().
// Grounded on ALink.run's `async for mac, msg in self.esp`.
func (l *AsyncLink) readLoop(ctx context.Context) error {
	for {
		_, msg, err := l.driver.Recv(ctx)
		if err != nil {
			return err
		}
		switch string(msg) {
		case "ACK":
			l.setEspStatus(true)
			l.setWifiStatus(true)
			l.emitAck()
			l.emitUp()
		case "UP":
			l.lg.Info("gateway reports broker up")
			l.setEspStatus(true)
			l.setWifiStatus(true)
			l.emitUp()
		case "NAK":
			l.lg.Debug("gateway NAKed, broker out")
			l.setEspStatus(true)
			l.setWifiStatus(false)
			l.emitDown()
		case "BAD", "DOWN":
			l.lg.WithField("tag", string(msg)).Warn("gateway reports broker down")
			l.setEspStatus(true)
			l.setWifiStatus(false)
			l.emitDown()
		default:
			select {
			case l.inbound <- append([]byte(nil), msg...):
			default:
				// Queue full: message loss, matching ALink.run's
				// `except IndexError: pass` on RingbufQueue.put_nowait.
			}
		}
	}
}

// pollLoop sends "aget" at cfg.PollInterval, backing off to 4x during an
// outage. Grounded on ALink._poll.
func (l *AsyncLink) pollLoop(ctx context.Context) error {
	interval := l.cfg.PollInterval
	for {
		ok := l.send(cmdAget)
		wait := interval
		if !ok {
			l.lg.Debug("aget poll send failed, backing off")
			wait *= 4
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// send transmits msg under txLock and updates the ESPNow link status,
// mirroring ALink._a_send.
func (l *AsyncLink) send(msg []byte) bool {
	l.txLock.Lock()
	defer l.txLock.Unlock()
	err := l.driver.Send(l.gateway, msg)
	l.setEspStatus(err == nil)
	return err == nil
}

func (l *AsyncLink) setEspStatus(up bool)  { l.espConnected.set(up) }
func (l *AsyncLink) setWifiStatus(up bool) { l.wifiConnected.set(up) }

func (l *AsyncLink) emitAck() {
	select {
	case l.ackCh <- struct{}{}:
	default:
	}
}

func (l *AsyncLink) emitUp() {
	select {
	case l.upCh <- struct{}{}:
	default:
	}
}

func (l *AsyncLink) emitDown() {
	select {
	case l.downCh <- struct{}{}:
	default:
	}
}

// Publish sends a publish frame and waits for the corresponding ACK,
// retrying the send while the link is down. Grounded on ALink.publish: the
// pub_lock serializes concurrent publishers, and the wait loop blocks until
// both WiFi and ESPNow report connected before each send attempt.
func (l *AsyncLink) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	l.pubLock.Lock()
	defer l.pubLock.Unlock()

	frame, err := json.Marshal([]interface{}{topic, string(payload), retain, qos})
	if err != nil {
		return err
	}

	for {
		for !(l.wifiConnected.get() && l.espConnected.get()) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		drainAck(l.ackCh)
		if !l.send(frame) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ackCh:
			return nil
		}
	}
}

func drainAck(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// Subscribe sends a length-2 subscribe frame under txLock. Grounded on
// ALink.subscribe.
func (l *AsyncLink) Subscribe(topic string, qos byte) error {
	frame, err := json.Marshal([]interface{}{topic, qos})
	if err != nil {
		return err
	}
	if !l.send(frame) {
		return ErrSendFailed
	}
	return nil
}
