package link

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peterhinch/mqtt-gateway/radio"
)

// recvTimeout bounds each single receive attempt, matching link.py's
// recv(200) calls throughout Link.publish/Link.ping/Link.get.
const recvTimeout = 200 * time.Millisecond

// recv applies recvTimeout to a single Driver.Recv call.
func (l *Link) recv(ctx context.Context) ([]byte, error) {
	recvCtx, cancel := context.WithTimeout(ctx, recvTimeout)
	defer cancel()
	_, msg, err := l.driver.Recv(recvCtx)
	return msg, err
}

// PubResult reports the outcome of a synchronous publish-with-reply,
// mirroring link.py's PUB_OK/BROKER_OUT/ESP_FAIL/PUB_FAIL constants.
type PubResult int

const (
	// PubOK: the gateway ACKed — the broker accepted (or will accept) the
	// publish.
	PubOK PubResult = iota
	// BrokerOut: the gateway NAKed — its publish queue is half full, meaning
	// the broker connection is down. The message was still queued.
	BrokerOut
	// EspFail: the ESPNow radio link to the gateway itself failed (no send,
	// or no reply within the probe window).
	EspFail
	// PubFail: the gateway replied BAD — its publish queue was full and the
	// message was discarded.
	PubFail
)

// cmdGet, cmdPing, cmdChan are the pre-encoded length-1 command frames,
// matching Link.GET/Link.PING/Link.CHAN class attributes.
var (
	cmdGet  = mustEncodeCommand("get")
	cmdPing = mustEncodeCommand("ping")
	cmdChan = mustEncodeCommand("chan")
)

func mustEncodeCommand(cmd string) []byte {
	b, err := json.Marshal([1]string{cmd})
	if err != nil {
		panic(err)
	}
	return b
}

// SubscriptionCallback receives one downstream (topic, payload, retained)
// delivery, matching link.py's subs(*message) callback shape.
type SubscriptionCallback func(topic string, payload []byte, retained bool)

// Link is the synchronous node-side ESPNow link: Publish/Subscribe/Ping
// block the caller for at most one radio round trip. Grounded on
// original_source/gateway/nodes/link.py's Link class.
type Link struct {
	lg      *log.Entry
	driver  radio.Driver
	wifi    radio.WiFi
	gateway radio.MAC
	cfg     Config

	mu      sync.Mutex // serializes the single send/recv exchange per op, mirroring link.py's single-threaded use
	channel int

	pending [][]byte // messages received out of band while awaiting a publish ack
}

// New acquires a channel and constructs a Link ready for use. lg is the
// leveled logger the link logs through; pass nil to fall back to a
// package-default entry. Grounded on Link.__init__ + Link.reconnect's call
// in the constructor.
func New(ctx context.Context, lg *log.Entry, driver radio.Driver, wifi radio.WiFi, cfg Config) (*Link, error) {
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
	// Already registered is not an error, matching Link.init_esp's
	// `except OSError: pass`.
	driver.AddPeer(gateway)
	return &Link{lg: lg.WithField("gateway", gateway.String()), driver: driver, wifi: wifi, gateway: gateway, cfg: cfg, channel: channel}, nil
}

// Channel returns the channel the link ended up on.
func (l *Link) Channel() int { return l.channel }

// Publish sends a publish-with-reply frame and blocks for the gateway's
// ACK/NAK/BAD response (or a receive timeout). Grounded on Link.publish.
func (l *Link) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) PubResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	frame, err := json.Marshal([]interface{}{topic, string(payload), retain, qos})
	if err != nil {
		return EspFail
	}
	if err := l.driver.Send(l.gateway, frame); err != nil {
		l.lg.WithError(err).Debug("publish send failed")
		return EspFail
	}

	for {
		msg, err := l.recv(ctx)
		if err != nil {
			return EspFail
		}
		switch string(msg) {
		case "ACK":
			return PubOK
		case "NAK":
			l.lg.Debug("publish NAKed, broker out")
			return BrokerOut
		case "BAD":
			l.lg.Warn("publish BAD, gateway queue full")
			return PubFail
		default:
			// Unsolicited message arrived before the ack (spec.md §4.E);
			// queue it for Get to drain later.
			l.pending = append(l.pending, msg)
		}
	}
}

// Subscribe sends a length-2 subscribe frame. Grounded on Link.subscribe.
func (l *Link) Subscribe(topic string, qos byte) error {
	frame, err := json.Marshal([]interface{}{topic, qos})
	if err != nil {
		return err
	}
	return l.driver.Send(l.gateway, frame)
}

// Ping sends a "ping" command and reports whether the gateway answered UP.
// Grounded on Link.ping.
func (l *Link) Ping(ctx context.Context) PubResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.driver.Send(l.gateway, cmdPing); err != nil {
		return EspFail
	}
	msg, err := l.recv(ctx)
	if err != nil {
		return EspFail
	}
	if string(msg) == "UP" {
		return PubOK
	}
	return PubFail
}

// Get polls the gateway for queued downstream messages, replaying any
// already-pending ones (collected during a prior Publish) before draining
// fresh ones off the radio until the gateway falls silent. Grounded on
// Link.get.
func (l *Link) Get(ctx context.Context, subs SubscriptionCallback) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.driver.Send(l.gateway, cmdGet); err != nil {
		return false
	}

	pending := l.pending
	l.pending = nil
	for _, msg := range pending {
		deliverDownstream(msg, subs)
	}

	for {
		msg, err := l.recv(ctx)
		if err != nil {
			return true // timeout: out of messages, matches mac is None loop exit
		}
		deliverDownstream(msg, subs)
	}
}

func deliverDownstream(msg []byte, subs SubscriptionCallback) {
	var fields [3]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return
	}
	var topic, payload string
	var retained bool
	if json.Unmarshal(fields[0], &topic) != nil {
		return
	}
	if json.Unmarshal(fields[1], &payload) != nil {
		return
	}
	if json.Unmarshal(fields[2], &retained) != nil {
		return
	}
	subs(topic, []byte(payload), retained)
}
