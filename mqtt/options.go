package mqtt

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/google/uuid"

	"github.com/peterhinch/mqtt-gateway/packets"
)

// Will mirrors packets.Will at the configuration layer so callers of this
// package never need to import packets directly for common use.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
}

// Options enumerates connection config (spec.md §3/§6). Built with the
// functional-option pattern, following
// hlindberg-mezquit/internal/mqtt/connect_request.go's ConnectOption shape.
type Options struct {
	Server   string
	Port     int
	UseTLS   bool
	TLSConfig *tls.Config

	Username string
	Password []byte

	ClientID string

	KeepAlive    time.Duration // must be < 65536s, spec.md §6
	PingInterval time.Duration // override for internal ping cadence; defaults to KeepAlive
	ResponseTime time.Duration // ACK timeout
	MaxRepubs    int           // QoS-1 resend attempts, default 4

	CleanInit bool // clean-session on first connect
	Clean     bool // clean-session on subsequent reconnects

	Will *Will

	QueueLen int // inbound message queue capacity

	// Interface is the external network collaborator the reconnection
	// supervisor waits on between closing a dead socket and redoing
	// CONNECT (spec.md §4.C: "wait for underlying network interface to be
	// up"). Out of scope per spec.md §1 (WiFi/radio driving is external);
	// nil means the transport is always assumed reachable, appropriate for
	// a client dialing a broker over an already-up wired/virtual network.
	Interface NetworkInterface
}

// NetworkInterface is the hardware adapter collaborator that brings the
// underlying link up before a reconnect attempt. Implemented by callers that
// run over WiFi; left nil for wired deployments.
type NetworkInterface interface {
	WaitUp(ctx context.Context) error
}

// Option mutates an Options value during construction.
type Option func(*Options)

// DefaultOptions returns the baseline configuration: MQTT 3.1.1 defaults
// plus the spec.md §6 defaults for response_time/max_repubs/queue_len.
// Ports follow the ssl flag (1883 plain, 8883 TLS) the way mqtt_as.py's
// MQTT_base.__init__ derives its default port.
func DefaultOptions() Options {
	return Options{
		Server:       "localhost",
		Port:         1883,
		ClientID:     "mqtt_" + uuid.New().String(),
		KeepAlive:    60 * time.Second,
		ResponseTime: 10 * time.Second,
		MaxRepubs:    4,
		CleanInit:    true,
		Clean:        true,
		QueueLen:     16,
	}
}

// NewOptions applies opts over DefaultOptions, matching the teacher's
// NewClientOptions().AddBroker(...) builder chain in spirit (functional
// options instead of fluent setters, per hlindberg-mezquit's idiom).
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.PingInterval == 0 {
		o.PingInterval = o.KeepAlive
	}
	if o.Port == 1883 && o.UseTLS {
		o.Port = 8883
	}
	return o
}

func WithServer(host string, port int) Option {
	return func(o *Options) { o.Server = host; o.Port = port }
}

func WithTLS(cfg *tls.Config) Option {
	return func(o *Options) { o.UseTLS = true; o.TLSConfig = cfg }
}

func WithCredentials(user string, password []byte) Option {
	return func(o *Options) { o.Username = user; o.Password = password }
}

func WithClientID(id string) Option {
	return func(o *Options) { o.ClientID = id }
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) { o.KeepAlive = d }
}

func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

func WithResponseTime(d time.Duration) Option {
	return func(o *Options) { o.ResponseTime = d }
}

func WithMaxRepubs(n int) Option {
	return func(o *Options) { o.MaxRepubs = n }
}

func WithCleanSession(cleanInit, clean bool) Option {
	return func(o *Options) { o.CleanInit = cleanInit; o.Clean = clean }
}

func WithWill(w Will) Option {
	return func(o *Options) { o.Will = &w }
}

func WithQueueLen(n int) Option {
	return func(o *Options) { o.QueueLen = n }
}

// keepAliveSeconds validates and returns KeepAlive in seconds, per spec.md
// §6's "keepalive (s), <65536" boundary.
func (o Options) keepAliveSeconds() (uint16, error) {
	secs := int(o.KeepAlive / time.Second)
	if secs < 0 || secs >= 65536 {
		return 0, ErrBadKeepAlive
	}
	return uint16(secs), nil
}

func (o Options) toPacketsWill() *packets.Will {
	if o.Will == nil {
		return nil
	}
	return &packets.Will{
		Topic:   o.Will.Topic,
		Payload: o.Will.Payload,
		Retain:  o.Will.Retain,
		QoS:     o.Will.QoS,
	}
}
