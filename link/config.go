// Package link implements the node-side ESPNow link to a gateway
// (component E): channel acquisition, publish-with-reply, and subscription
// polling or event-driven delivery. Grounded file-for-file on
// original_source/gateway/nodes/link.py (synchronous) and
// original_source/mqtt_as/esp32_gateway/anodes/alink.py (asynchronous).
package link

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peterhinch/mqtt-gateway/radio"
)

// ChannelStrategy selects how a node acquires its ESPNow channel, mirroring
// link.py's isinstance(channel, int) / isinstance(credentials, tuple) /
// fallback dispatch in Link.reconnect.
type ChannelStrategy int

const (
	// ChannelFixed uses Config.Channel directly, no scanning or AP connect.
	ChannelFixed ChannelStrategy = iota
	// ChannelViaCredentials associates to an AP with Config.SSID/Password and
	// learns the channel as a side effect of that connection.
	ChannelViaCredentials
	// ChannelScan probes channels 1..14 in turn until the gateway answers.
	ChannelScan
)

// Config is the node link's YAML-loadable configuration: the gateway's
// address, how to acquire a channel, and the polling interval for the
// asynchronous variant. Grounded on link_setup.py's module-level constants
// (GATEWAY, CHANNEL, SSID, PASSWORD) and on
// alibo-simple-mqtt-network-lab/go-backend/main.go's loadConfig() pattern for
// the YAML+env-override+zero-value-defaulting shape.
type Config struct {
	Gateway  string `yaml:"gateway"` // hex MAC, parsed with radio.ParseMAC
	Strategy ChannelStrategy `yaml:"-"`

	Channel  int    `yaml:"channel"` // used when Strategy == ChannelFixed
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`

	Debug bool `yaml:"debug"`

	// PollInterval is the asynchronous variant's base poll cadence (alink.py's
	// poll_interval); the poller backs off to 4x this during an outage.
	PollInterval time.Duration `yaml:"-"`
}

// GatewayMAC parses Config.Gateway, mirroring link.py's
// bytes.fromhex(gateway) in Link.__init__.
func (c Config) GatewayMAC() (radio.MAC, error) {
	return radio.ParseMAC(c.Gateway)
}

const envConfigPath = "LINK_CONFIG"

// LoadConfig reads YAML from the path named by the LINK_CONFIG environment
// variable, defaulting to "configs/link.yaml", deriving Strategy from which
// fields are populated and applying defaults for anything left unset.
func LoadConfig() (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = "configs/link.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Config) {
	switch {
	case c.Channel != 0:
		c.Strategy = ChannelFixed
	case c.SSID != "":
		c.Strategy = ChannelViaCredentials
	default:
		c.Strategy = ChannelScan
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second // alink.py's typical poll_interval
	}
}
