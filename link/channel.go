package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/peterhinch/mqtt-gateway/radio"
)

// ErrWifiConnectFailed mirrors Link.reconnect's OSError("Wifi connect fail")
// raised when strategy 2 (credentials connect) doesn't complete in time.
var ErrWifiConnectFailed = errors.New("link: wifi connect failed")

// ErrChannelScanFailed mirrors Link.reconnect's OSError("Connect fail") when
// strategy 3 (scan 1..14) exhausts every channel with no reply.
var ErrChannelScanFailed = errors.New("link: channel scan failed, no reply from gateway")

// acquireChannel runs one of the three channel-acquisition strategies
// (spec.md §4.E) and returns the channel the node ended up on. Grounded on
// Link.reconnect's three-way isinstance dispatch.
func acquireChannel(ctx context.Context, wifi radio.WiFi, driver radio.Driver, gateway radio.MAC, cfg Config) (int, error) {
	switch cfg.Strategy {
	case ChannelFixed:
		if err := wifi.SetChannel(cfg.Channel); err != nil {
			return 0, err
		}
		return cfg.Channel, nil

	case ChannelViaCredentials:
		connectCtx, cancel := context.WithTimeout(ctx, radio.APConnectTimeout)
		defer cancel()
		if err := wifi.Connect(connectCtx, cfg.SSID, cfg.Password); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrWifiConnectFailed, err)
		}
		return wifi.Channel()

	case ChannelScan:
		return scanChannels(ctx, wifi, driver, gateway)

	default:
		return 0, fmt.Errorf("link: unknown channel strategy %d", cfg.Strategy)
	}
}

// scanChannels probes channels 1..14 in turn, registering the gateway peer
// and sending a "chan" command on each, until one gets a reply. Grounded on
// Link.find_channel: the probe itself (send "chan", await a channel number
// reply) is Link.get_channel, implemented here as probeChannel.
func scanChannels(ctx context.Context, wifi radio.WiFi, driver radio.Driver, gateway radio.MAC) (int, error) {
	driver.AddPeer(gateway)
	for channel := 1; channel <= 14; channel++ {
		if err := wifi.SetChannel(channel); err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, radio.ChannelScanTimeout)
		reply, err := probeChannel(probeCtx, driver, gateway)
		cancel()
		if err == nil {
			wifi.SetChannel(reply)
			return reply, nil
		}
	}
	return 0, ErrChannelScanFailed
}

// probeChannel sends a single "chan" command and waits for the gateway's
// channel-number reply, matching Link.get_channel's single send/recv.
func probeChannel(ctx context.Context, driver radio.Driver, gateway radio.MAC) (int, error) {
	if err := driver.Send(gateway, cmdChan); err != nil {
		return 0, err
	}
	_, msg, err := driver.Recv(ctx)
	if err != nil {
		return 0, err
	}
	var channel int
	if _, err := fmt.Sscanf(string(msg), "%d", &channel); err != nil {
		return 0, err
	}
	return channel, nil
}
