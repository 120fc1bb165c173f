/*
 * Copyright (c) 2013 IBM Corp.
 *
 * All rights reserved. This program and the accompanying materials
 * are made available under the terms of the Eclipse Public License v1.0
 * which accompanies this distribution, and is available at
 * http://www.eclipse.org/legal/epl-v10.html
 *
 * Contributors:
 *    Seth Hoenig
 *    Allan Stockdill-Mander
 *    Mike Robertson
 */

// Portions copyright © 2018 TIBCO Software Inc.

// Package mqtt provides a resilient, asynchronous MQTT v3.1.1 client:
// outage-transparent publish/subscribe, keepalive supervision, and automatic
// reconnection layered over a single-connection Session (session.go).
package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// connStatus mirrors the teacher's disconnected/connecting/reconnecting/
// connected status word, stored atomically and read by IsConnected without
// taking any lock.
type connStatus uint32

const (
	statusDisconnected connStatus = iota
	statusConnecting
	statusReconnecting
	statusConnected
)

// Message is one inbound PUBLISH delivered through the Client's bounded
// inbound queue (spec.md §4.C).
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type subscriptionRecord struct {
	topic string
	qos   byte
}

// Client wraps Session with the invariants spec.md §4.C requires: a single
// connection attempt in flight, user operations that wait for connectivity,
// a keepalive watchdog, edge-triggered up/down events, and a bounded inbound
// queue with a discard counter. Grounded on
// original_source/mqtt_as/mqtt_as.py's MQTTClient for the state machine, and
// on the teacher's atomic status word + sync.WaitGroup worker shutdown shape
// for the Go translation of that coroutine scheduler.
type Client struct {
	opts Options

	status       uint32 // connStatus, accessed via atomic
	hasConnected bool
	stopped      uint32 // atomic bool: Disconnect() was called, supervisor should exit

	session *Session

	subsMu sync.Mutex
	subs   map[string]subscriptionRecord

	upCh   chan struct{}
	downCh chan struct{}

	inbound  chan Message
	discards uint64 // atomic

	outages uint64 // atomic

	workers sync.WaitGroup
	runOnce sync.Once
}

// NewClient constructs a Client. The Session's subscribe callback is wired
// to the bounded inbound queue here so every PUBLISH — QoS 0 or 1 — reaches
// application code the same way, regardless of which connection delivered
// it.
func NewClient(opts Options) *Client {
	c := &Client{
		opts:    opts,
		subs:    make(map[string]subscriptionRecord),
		upCh:    make(chan struct{}, 1),
		downCh:  make(chan struct{}, 1),
		inbound: make(chan Message, opts.QueueLen),
	}
	c.session = NewSession(opts, c.deliverInbound)
	return c
}

func (c *Client) deliverInbound(topic string, payload []byte, retained bool) {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: retained}
	select {
	case c.inbound <- msg:
	default:
		// Queue full: drop the oldest entry and retry once, per spec.md
		// §4.C's "oldest entry is dropped" overflow rule.
		select {
		case <-c.inbound:
			atomic.AddUint64(&c.discards, 1)
		default:
		}
		select {
		case c.inbound <- msg:
		default:
			atomic.AddUint64(&c.discards, 1)
		}
	}
}

// Inbound returns the channel of delivered messages.
func (c *Client) Inbound() <-chan Message { return c.inbound }

// Up returns the edge-triggered channel signalled once per successful
// (re)connection.
func (c *Client) Up() <-chan struct{} { return c.upCh }

// Down returns the edge-triggered channel signalled once per connection
// loss.
func (c *Client) Down() <-chan struct{} { return c.downCh }

// Discards returns the count of inbound messages dropped for queue overflow.
func (c *Client) Discards() uint64 { return atomic.LoadUint64(&c.discards) }

// Outages returns the count of completed reconnections since Connect.
func (c *Client) Outages() uint64 { return atomic.LoadUint64(&c.outages) }

// RepubCount returns the count of QoS-1 dup=1 resends issued because a
// PUBACK didn't arrive in time, mirroring MQTT_base.REPUB_COUNT. Tracked on
// the underlying Session, which persists across reconnects.
func (c *Client) RepubCount() uint64 { return c.session.RepubCount() }

func (c *Client) setStatus(s connStatus) { atomic.StoreUint32(&c.status, uint32(s)) }
func (c *Client) getStatus() connStatus  { return connStatus(atomic.LoadUint32(&c.status)) }

// IsConnected reports whether the client currently holds a live broker
// connection.
func (c *Client) IsConnected() bool {
	return c.getStatus() == statusConnected
}

func (c *Client) emitUp() {
	select {
	case c.upCh <- struct{}{}:
	default:
	}
}

func (c *Client) emitDown() {
	select {
	case c.downCh <- struct{}{}:
	default:
	}
}

// Connect performs the first CONNECT attempt (using CleanInit) and, on
// success, starts the reconnection supervisor, message loop, and keepalive
// watchdog that run for the client's lifetime. Mirrors
// MQTTClient.connect's first-call branch.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(statusConnecting)
	if err := c.session.Connect(ctx, c.opts.CleanInit); err != nil {
		c.setStatus(statusDisconnected)
		return err
	}
	c.hasConnected = true
	c.setStatus(statusConnected)
	c.emitUp()

	c.workers.Add(2)
	go c.messageLoop()
	go c.keepAliveLoop()

	c.runOnce.Do(func() {
		c.workers.Add(1)
		go c.supervisor(ctx)
	})
	return nil
}

// messageLoop drains inbound packets one at a time. It holds no lock while
// a packet is read; Session's socket lock is taken only for writes (including
// the PUBACK WaitMsg sends), so outgoing packets never interleave with each
// other. On socket error it transitions to reconnecting.
func (c *Client) messageLoop() {
	defer c.workers.Done()
	for c.IsConnected() {
		if err := c.session.WaitMsg(); err != nil {
			debugLog.Debug("message loop: socket error, triggering reconnect")
			c.triggerReconnect()
			return
		}
	}
}

// keepAliveLoop computes pings_due = floor((now-last_rx)/ping_interval)
// every second. At pings_due>=4 it declares broker failure and triggers
// reconnect; at pings_due>=1 it sends a PING, ignoring failures (the
// watchdog trips on the next tick regardless). Grounded on
// MQTTClient._keep_alive.
func (c *Client) keepAliveLoop() {
	defer c.workers.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if !c.IsConnected() {
			return
		}
		pingsDue := time.Since(c.session.LastRx()) / c.opts.PingInterval
		if pingsDue >= 4 {
			debugLog.Debug("keepalive: broker fail")
			c.triggerReconnect()
			return
		}
		if pingsDue >= 1 {
			c.session.Ping()
		}
	}
}

// triggerReconnect marks the connection down exactly once per failure edge
// and wakes the supervisor. Safe to call from multiple goroutines
// concurrently (messageLoop and keepAliveLoop can both observe the same
// failure).
func (c *Client) triggerReconnect() {
	if c.getStatus() != statusConnected {
		return
	}
	c.setStatus(statusReconnecting)
	c.session.Close()
	c.emitDown()
}

// supervisor is the sole task permitted to call Session.Connect after the
// first attempt (spec.md §4.C invariant). It runs forever once started,
// exiting only after Disconnect. Grounded on MQTTClient._keep_connected.
func (c *Client) supervisor(ctx context.Context) {
	defer c.workers.Done()
	for atomic.LoadUint32(&c.stopped) == 0 {
		if c.getStatus() == statusConnected {
			time.Sleep(time.Second)
			continue
		}

		if c.opts.Interface != nil {
			if err := c.opts.Interface.WaitUp(ctx); err != nil {
				time.Sleep(time.Second)
				continue
			}
		}
		if atomic.LoadUint32(&c.stopped) != 0 {
			return
		}

		if err := c.session.Connect(ctx, c.opts.Clean); err != nil {
			debugLog.Debugf("supervisor: reconnect failed: %v", err)
			c.session.Close()
			continue
		}

		atomic.AddUint64(&c.outages, 1)
		c.setStatus(statusConnected)
		c.emitUp()
		c.resubscribeAll()

		c.workers.Add(2)
		go c.messageLoop()
		go c.keepAliveLoop()
	}
}

func (c *Client) resubscribeAll() {
	if !c.opts.Clean {
		return
	}
	c.subsMu.Lock()
	subs := make([]subscriptionRecord, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		if err := c.session.Subscribe(s.topic, s.qos); err != nil {
			warnLog.Warnf("resubscribe %s failed: %v", s.topic, err)
		}
	}
}

// Publish waits for connectivity, then calls into Session. On SocketDown it
// triggers a reconnect and retries. It returns nil once the publish succeeds
// (for QoS 1, once a PUBACK arrives), ctx's error if ctx ends while waiting
// for connectivity, ErrDisconnected after Disconnect, and any other Session
// error (ErrNoAck, ErrBadQoS, ErrStringsTooLong, ...) unchanged.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	for {
		if err := c.awaitConnected(ctx); err != nil {
			return err
		}
		err := c.session.Publish(topic, payload, retain, qos)
		switch err {
		case nil:
			return nil
		case ErrSocketDown:
			c.triggerReconnect()
			continue
		default:
			return err
		}
	}
}

// Subscribe records the subscription (for automatic re-issue on reconnect)
// and issues it against the current session, retrying across reconnects the
// same way Publish does.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte) error {
	c.subsMu.Lock()
	c.subs[topic] = subscriptionRecord{topic: topic, qos: qos}
	c.subsMu.Unlock()

	for {
		if err := c.awaitConnected(ctx); err != nil {
			return err
		}
		err := c.session.Subscribe(topic, qos)
		switch err {
		case nil:
			return nil
		case ErrSocketDown:
			c.triggerReconnect()
			continue
		default:
			return err
		}
	}
}

// Unsubscribe removes the stored subscription record and issues UNSUBSCRIBE
// against the current session.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()

	for {
		if err := c.awaitConnected(ctx); err != nil {
			return err
		}
		err := c.session.Unsubscribe(topic)
		switch err {
		case nil:
			return nil
		case ErrSocketDown:
			c.triggerReconnect()
			continue
		default:
			return err
		}
	}
}

func (c *Client) awaitConnected(ctx context.Context) error {
	if atomic.LoadUint32(&c.stopped) != 0 {
		return ErrDisconnected
	}
	if c.IsConnected() {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadUint32(&c.stopped) != 0 {
				return ErrDisconnected
			}
			if c.IsConnected() {
				return nil
			}
		}
	}
}

// Disconnect exits the reconnection supervisor for good and closes the
// session. Mirrors MQTT_base.disconnect's has_connected=false terminal flag.
func (c *Client) Disconnect() {
	atomic.StoreUint32(&c.stopped, 1)
	c.setStatus(statusDisconnected)
	c.session.Disconnect()
	c.emitDown()
}
