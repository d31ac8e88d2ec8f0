package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/logging"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
)

// The application server forwards the device events published by the
// network server to the configured HTTP and MQTT integrations.
func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/application-server.yml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", configFile, err)
		os.Exit(1)
	}

	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer closeLog()

	var handlers []integration.Handler
	if cfg.Integration.HTTP.Enabled {
		handlers = append(handlers, integration.NewHTTPHandler(cfg.Integration.HTTP))
		log.Info().Str("endpoint", cfg.Integration.HTTP.Endpoint).Msg("HTTP integration enabled")
	}
	if cfg.Integration.MQTT.Enabled {
		mqtt, err := integration.NewMQTTHandler(cfg.Integration.MQTT)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to the MQTT broker")
		}
		defer mqtt.Close()
		handlers = append(handlers, mqtt)
		log.Info().Str("broker", cfg.Integration.MQTT.Broker).Msg("MQTT integration enabled")
	}
	if len(handlers) == 0 {
		log.Warn().Msg("No integration enabled, events are dropped")
	}

	var keks *crypto.KEKRing
	if cfg.KEK.Label != "" {
		keks, err = crypto.NewKEKRing(map[string]string{cfg.KEK.Label: cfg.KEK.Key})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load KEK")
		}
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("lorawan-application-server"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	forwarder := integration.NewForwarderService(nc, integration.NewMultiHandler(handlers...), keks)
	if err := forwarder.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Forwarder stopped")
	}

	log.Info().Msg("Application server stopped")
}
