// Package gateway implements the ESP-NOW/MQTT gateway: per-peer
// store-and-forward queues, subscription multiplexing, ACK/NAK/BAD
// backpressure, and peer onboarding (component D, spec.md §4.D). Grounded
// file-for-file on original_source/gateway/__init__.py's Gateway class — the
// standalone form spec.md §9 marks as normative, not the legacy
// client-embedded "gateway mode" variant.
package gateway

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PubTarget is a destination topic/qos/retain triple, standing in for the
// Python source's PubOut named tuples (puball, puberr, pubstat, statreq).
type PubTarget struct {
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos"`
	Retain bool   `yaml:"retain"`
}

// Config is the gateway's YAML-loadable configuration, grounded on
// alibo-simple-mqtt-network-lab/go-backend/main.go's loadConfig() pattern
// (env-path override, zero-value defaulting after yaml.Unmarshal) and on
// original_source/gateway/__init__.py's gwcfg dict for the field set.
type Config struct {
	Debug   bool `yaml:"debug"`
	QueueLen int `yaml:"qlen"`
	LowPower bool `yaml:"lpmode"`
	UseAPInterface bool `yaml:"use_ap_if"`

	PubAll  PubTarget  `yaml:"pub_all"`
	PubErr  *PubTarget `yaml:"errors"`
	PubStat *PubTarget `yaml:"status"`
	StatReq *PubTarget `yaml:"statreq"`

	NTPHost   string `yaml:"ntp_host"`
	NTPOffset int    `yaml:"ntp_offset"` // hours relative to UTC

	PubQueueLen    int `yaml:"pub_queue_len"`
	PubThreshold   int `yaml:"pub_threshold"`

	MQTTKeepAlive time.Duration `yaml:"-"`
}

const envConfigPath = "GATEWAY_CONFIG"

// LoadConfig reads YAML from the path named by the GATEWAY_CONFIG
// environment variable, defaulting to "configs/gateway.yaml", and applies
// the spec.md §3/§6/§9 defaults for any field left unset.
func LoadConfig() (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = "configs/gateway.yaml"
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
	if c.QueueLen == 0 {
		c.QueueLen = 10 // spec.md §4.D default per-peer queue depth
	}
	if c.PubAll.Topic == "" {
		c.PubAll.Topic = "allnodes" // spec.md GLOSSARY default fan-out topic
	}
	if c.PubQueueLen == 0 {
		c.PubQueueLen = 10
	}
	if c.PubThreshold == 0 {
		c.PubThreshold = 5 // spec.md §4.D soft backpressure threshold
	}
	if c.NTPHost == "" {
		c.NTPHost = "pool.ntp.org"
	}
	if c.MQTTKeepAlive == 0 {
		c.MQTTKeepAlive = 120 * time.Second // the gateway's config["keepalive"]=120 override
	}
}
