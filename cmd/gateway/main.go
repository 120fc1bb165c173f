// Command gateway runs the ESP-NOW/MQTT bridge (component D): it connects
// to a broker, maintains the gateway's peer and topic tables, and relays
// messages in both directions until interrupted. Grounded on
// hlindberg-mezquit/cmd/pub.go's cobra flag-registration idiom and its
// sibling root.go's single RootCmd.Execute() entrypoint shape; this is the
// real deployable, not a demo program.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/peterhinch/mqtt-gateway/gateway"
	"github.com/peterhinch/mqtt-gateway/mqtt"
	"github.com/peterhinch/mqtt-gateway/radio"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the ESP-NOW/MQTT gateway",
	RunE:  runGateway,
}

var (
	flagConfigPath string
	flagBroker     string
	flagPort       int
	flagClientID   string
	flagLogLevel   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagConfigPath, "config", "c", "", "path to the gateway YAML config (overrides GATEWAY_CONFIG)")
	flags.StringVarP(&flagBroker, "broker", "b", "", "MQTT broker host (default localhost; env GATEWAY_BROKER)")
	flags.IntVarP(&flagPort, "port", "p", 0, "MQTT broker port (default 1883; env GATEWAY_PORT)")
	flags.StringVar(&flagClientID, "client-id", "", "MQTT client ID (default: generated)")
	flags.StringVarP(&flagLogLevel, "log-level", "l", "info", "log level: debug, info, warn, error")

	viper.BindPFlag("broker", flags.Lookup("broker"))
	viper.BindPFlag("port", flags.Lookup("port"))
	viper.BindPFlag("client-id", flags.Lookup("client-id"))
	viper.SetEnvPrefix("gateway")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	mqtt.SetLogLevel(flagLogLevel)
	gateway.SetLogLevel(flagLogLevel)

	if flagConfigPath != "" {
		os.Setenv("GATEWAY_CONFIG", flagConfigPath)
	}
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mqttOpts := []mqtt.Option{
		mqtt.WithServer(resolveBroker(), resolvePort()),
		mqtt.WithKeepAlive(cfg.MQTTKeepAlive),
	}
	if id := resolveClientID(); id != "" {
		mqttOpts = append(mqttOpts, mqtt.WithClientID(id))
	}
	client := mqtt.NewClient(mqtt.NewOptions(mqttOpts...))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer client.Disconnect()

	driver, wifi, gwid, err := newRadioBinding()
	if err != nil {
		return fmt.Errorf("radio binding: %w", err)
	}

	gw := gateway.New(log.WithField("component", "gateway"), cfg, client, driver, wifi, gwid, nil)
	log.WithField("gwid", gwid).Info("gateway starting")

	err = gw.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown via signal
	}
	return err
}

func resolveBroker() string {
	if v := viper.GetString("broker"); v != "" {
		return v
	}
	return "localhost"
}

func resolvePort() int {
	if v := viper.GetInt("port"); v != 0 {
		return v
	}
	return 1883
}

func resolveClientID() string {
	return viper.GetString("client-id")
}

// newRadioBinding constructs the ESP-NOW radio.Driver and radio.WiFi
// collaborators for this deployment. Per spec.md §1, driving the actual
// ESP-NOW/WiFi hardware is out of scope — this repo carries the interfaces
// only (radio/radio.go). A real deployment supplies its own binding here
// (e.g. a build-tagged file selecting a hardware driver); this default
// reports that no binding is configured rather than silently no-opping.
func newRadioBinding() (radio.Driver, radio.WiFi, radio.MAC, error) {
	return nil, nil, radio.MAC{}, errBuildNoRadioBinding
}

var errBuildNoRadioBinding = errors.New("gateway: no radio.Driver/radio.WiFi binding compiled in; supply one via a build-tagged newRadioBinding")
