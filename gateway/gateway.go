package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/peterhinch/mqtt-gateway/mqtt"
	"github.com/peterhinch/mqtt-gateway/radio"
)

// radioSendConcurrency bounds how many fanOut relay goroutines (each one
// trySend call) run concurrently, so a burst of broker messages for many
// peers can't pile up unbounded goroutines against the Driver. qsend is not
// bounded by it; it runs on the ingest goroutine.
// Grounded on golang.org/x/sync/semaphore, listed in netdata-paho.golang's
// and alibo-simple-mqtt-network-lab's go.mod.
const radioSendConcurrency = 8

// Gateway bridges ESP-NOW radio peers and an MQTT broker: per-peer
// store-and-forward queues, subscription multiplexing, ACK/NAK/BAD
// backpressure, and peer onboarding. Grounded file-for-file on
// original_source/gateway/__init__.py's Gateway class.
type Gateway struct {
	lg     *log.Entry
	cfg    Config
	client *mqtt.Client
	driver radio.Driver
	wifi   radio.WiFi
	gwid   radio.MAC

	topics *topicTable
	peers  *peerRegistry

	pubq      chan publishRequest
	pubThresh int

	connected atomic.Bool

	sem *semaphore.Weighted

	setClock func(time.Time)
}

type publishRequest struct {
	topic   string
	payload []byte
	retain  bool
	qos     byte
}

// New constructs a Gateway. lg is the leveled logger the gateway logs
// through; pass nil to fall back to a package-default entry, mirroring
// pico-cs-mqtt-gateway's New(lg, config). setClock lets the host set the
// system/RTC clock once NTP sync succeeds; pass nil to skip NTP entirely.
func New(lg *log.Entry, cfg Config, client *mqtt.Client, driver radio.Driver, wifi radio.WiFi, gwid radio.MAC, setClock func(time.Time)) *Gateway {
	if lg == nil {
		lg = defaultLogger()
	}
	g := &Gateway{
		lg:        lg.WithField("gwid", gwid.String()),
		cfg:       cfg,
		client:    client,
		driver:    driver,
		wifi:      wifi,
		gwid:      gwid,
		topics:    newTopicTable(),
		peers:     newPeerRegistry(cfg.QueueLen),
		pubq:      make(chan publishRequest, cfg.PubQueueLen),
		pubThresh: cfg.PubThreshold,
		sem:       semaphore.NewWeighted(radioSendConcurrency),
		setClock:  setClock,
	}
	g.topics.ensureTopic(cfg.PubAll.Topic, cfg.PubAll.QoS)
	return g
}

// Run launches the gateway's concurrent tasks and blocks until ctx is
// cancelled or one of them fails. Grounded on Gateway.run's
// asyncio.create_task fan-out, translated to golang.org/x/sync/errgroup.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.upHandler(ctx) })
	eg.Go(func() error { return g.downHandler(ctx) })
	eg.Go(func() error { return g.fanOut(ctx) })
	eg.Go(func() error { return g.ingest(ctx) })
	eg.Go(func() error { return g.publisher(ctx) })

	return eg.Wait()
}

// upHandler subscribes the broker to every topic currently in the topic
// table on each up edge, and launches the one-shot NTP sync task on the
// first up if configured. Grounded on Gateway.up.
func (g *Gateway) upHandler(ctx context.Context) error {
	ntpStarted := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.client.Up():
		}
		g.connected.Store(true)
		g.lg.Info("connected to broker")
		g.publishStatus(fmt.Sprintf("Gateway %s connected to broker.", g.gwid))

		for topic, qos := range g.topics.all() {
			if err := g.client.Subscribe(ctx, topic, qos); err != nil {
				g.lg.WithError(err).WithField("topic", topic).Warn("resubscribe failed")
				g.publishError(fmt.Sprintf("subscribe %s failed: %v", topic, err))
			}
		}
		if g.cfg.StatReq != nil {
			if err := g.client.Subscribe(ctx, g.cfg.StatReq.Topic, g.cfg.StatReq.QoS); err != nil {
				g.lg.WithError(err).WithField("topic", g.cfg.StatReq.Topic).Warn("statreq subscribe failed")
				g.publishError(fmt.Sprintf("subscribe %s failed: %v", g.cfg.StatReq.Topic, err))
			}
		}

		if !ntpStarted && g.setClock != nil && g.cfg.NTPHost != "" {
			ntpStarted = true
			go syncClock(g.connected.Load, g.cfg.NTPHost, g.cfg.NTPOffset, g.setClock)
		}
	}
}

// downHandler publishes a status message on each down edge; delivery
// happens once the broker reconnects. Grounded on Gateway.down.
func (g *Gateway) downHandler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.client.Down():
		}
		g.connected.Store(false)
		g.lg.Warn("broker connection down")
		g.publishStatus("WiFi or broker is down.")
	}
}

func (g *Gateway) publishStatus(msg string) {
	if g.cfg.PubStat == nil {
		return
	}
	g.timestampedPublish(*g.cfg.PubStat, msg)
}

func (g *Gateway) publishError(msg string) {
	if g.cfg.PubErr == nil {
		return
	}
	g.timestampedPublish(*g.cfg.PubErr, msg)
}

// timestampedPublish prepends a timestamp and fires the publish without
// waiting for it, matching Gateway.pub's asyncio.create_task(...) fire-and-
// forget.
func (g *Gateway) timestampedPublish(dest PubTarget, msg string) {
	stamped := fmt.Sprintf("%s %s", time.Now().Format("02/01/2006 15:04:05"), msg)
	go g.client.Publish(context.Background(), dest.Topic, []byte(stamped), dest.Retain, dest.QoS)
}

// fanOut receives inbound broker messages and relays them to every peer
// subscribed to the topic. Grounded on Gateway.messages.
func (g *Gateway) fanOut(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-g.client.Inbound():
			if g.cfg.StatReq != nil && msg.Topic == g.cfg.StatReq.Topic {
				g.publishStatus("Status request not yet implemented")
				continue
			}
			payload, err := encodeDownstream(msg.Topic, msg.Payload, msg.Retained)
			if err != nil {
				continue
			}
			peerMacs := g.topics.subscribers(msg.Topic)
			if len(peerMacs) == 0 {
				g.publishError(fmt.Sprintf("no nodes subscribed to topic %s", msg.Topic))
				continue
			}
			for _, mac := range peerMacs {
				mac := mac
				g.sem.Acquire(ctx, 1)
				go func() {
					defer g.sem.Release(1)
					g.trySend(mac, payload)
				}()
			}
		}
	}
}

// ingest drains the radio driver and dispatches every inbound ESP-NOW frame:
// command (length 1), subscribe (length 2), or publish (length 4). Grounded
// on Gateway.do_esp.
func (g *Gateway) ingest(ctx context.Context) error {
	for {
		mac, frame, err := g.driver.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.lg.WithError(err).Error("ESPNow recv raised")
			g.publishError(fmt.Sprintf("ESPNow recv raised %v", err))
			continue
		}
		g.handleFrame(ctx, mac, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, mac radio.MAC, frame []byte) {
	id := mac.String()
	msg, err := decodeUpstream(frame)
	if err != nil {
		return // unformatted message from node: no response required
	}

	if _, created := g.peers.getOrCreate(id); created {
		g.lg.WithField("peer", id).Info("peer onboarded")
		if err := g.driver.AddPeer(mac); err != nil {
			g.lg.WithError(err).WithField("peer", id).Warn("ESPNow add_peer failed")
			g.publishError(fmt.Sprintf("ESPNow add_peer %s raised %v", id, err))
		}
		g.topics.ensureDefaultTopic(g.cfg.PubAll.Topic, g.cfg.PubAll.QoS, mac)
	}

	switch msg.kind {
	case upstreamCommand:
		g.handleCommand(mac, id, msg.command)

	case upstreamSubscribe:
		result := g.topics.addSubscriber(msg.subTopic, msg.subQoS, mac)
		switch result {
		case subscriberCreatedTopic:
			if err := g.client.Subscribe(ctx, msg.subTopic, msg.subQoS); err != nil {
				g.publishError(fmt.Sprintf("subscribe %s failed: %v", msg.subTopic, err))
			}
		case subscriberQoSMismatch:
			g.publishError(fmt.Sprintf("attempt to change qos of existing subscription: %s", msg.subTopic))
		}

	case upstreamPublish:
		g.handlePublish(mac, msg)
	}
}

func (g *Gateway) handleCommand(mac radio.MAC, id, cmd string) {
	switch cmd {
	case "chan":
		channel := 0
		if g.wifi != nil {
			channel, _ = g.wifi.Channel()
		}
		g.doSend(mac, []byte(fmt.Sprintf("%d", channel)))
	case "ping", "aget":
		reply := ReplyDown
		if g.connected.Load() {
			reply = ReplyUp
		}
		g.doSend(mac, []byte(reply))
		if cmd == "aget" {
			g.qsend(id, mac)
		}
	case "get":
		g.qsend(id, mac)
	default:
		g.publishError(fmt.Sprintf("unknown command %s from node %s", cmd, id))
	}
}

// handlePublish enqueues a peer's publish request into the bounded gateway
// publication queue, replying BAD/NAK/ACK per spec.md §4.D's backpressure
// rule. Grounded on do_esp's length-4 branch.
func (g *Gateway) handlePublish(mac radio.MAC, msg upstreamMessage) {
	req := publishRequest{topic: msg.pubTopic, payload: []byte(msg.pubPayload), retain: msg.pubRetain, qos: msg.pubQoS}

	select {
	case g.pubq <- req:
		if len(g.pubq) > g.pubThresh {
			g.doSend(mac, []byte(ReplyNAK))
		} else {
			g.doSend(mac, []byte(ReplyACK))
		}
	default:
		g.doSend(mac, []byte(ReplyBAD))
	}
}

// publisher drains the gateway publication queue sequentially, calling the
// MQTT client's Publish for each entry. Grounded on Gateway.publisher.
func (g *Gateway) publisher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.pubq:
			g.client.Publish(ctx, req.topic, req.payload, req.retain, req.qos)
		}
	}
}

// doSend transmits frame to mac via the radio driver, publishing an error
// status on failure. Grounded on Gateway.do_send.
func (g *Gateway) doSend(mac radio.MAC, frame []byte) bool {
	if err := g.driver.Send(mac, frame); err != nil {
		g.lg.WithError(err).WithField("peer", mac.String()).Debug("ESPNow send failed")
		g.publishError(fmt.Sprintf("ESPNow send to %s raised %v", mac, err))
		return false
	}
	return true
}

// trySend enqueues msg if the peer's queue is non-empty or the gateway is
// in low-power mode; otherwise it attempts an immediate send and only
// queues on failure. Grounded on Gateway.try_send.
func (g *Gateway) trySend(mac radio.MAC, msg []byte) {
	id := mac.String()
	peer, _ := g.peers.getOrCreate(id)

	if peer.queue.size() > 0 || g.cfg.LowPower {
		peer.queue.push(msg)
		return
	}
	if !g.doSend(mac, msg) {
		peer.queue.push(msg)
	}
}

// qsend drains a peer's queue head-first: peek the oldest message, attempt
// to send, pop on success, stop immediately on failure (the peer may be
// asleep or out of range; a later poll retries). Grounded on Gateway.qsend.
func (g *Gateway) qsend(id string, mac radio.MAC) {
	peer, ok := g.peers.get(id)
	if !ok {
		return
	}
	for {
		msg, ok := peer.queue.peek()
		if !ok {
			return
		}
		if g.doSend(mac, msg) {
			peer.queue.pop()
			continue
		}
		g.lg.WithField("peer", id).Debug("peer not responding, queue drain stopped")
		g.publishError(fmt.Sprintf("peer %s not responding", id))
		return
	}
}
