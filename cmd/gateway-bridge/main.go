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
	"github.com/lorawan-server/lorawan-network-server/internal/gateway"
	"github.com/lorawan-server/lorawan-network-server/internal/logging"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/gateway-bridge.yml", "Configuration file path")
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

	log.Info().
		Str("udp_bind", cfg.Gateway.UDPBind).
		Str("region_config_id", cfg.Gateway.RegionConfigID).
		Msg("LoRaWAN gateway bridge starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The database is optional, it is only used to track when registered
	// gateways were last seen.
	var gateways gateway.GatewayStore
	if cfg.Database.DSN != "" {
		store, err := storage.Open(ctx, cfg.Database, cfg.Network.DeviceSessionTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open storage")
		}
		defer store.Close()
		gateways = store
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("lorawan-gateway-bridge"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	forwarder, err := gateway.NewUDPPacketForwarder(cfg.Gateway, nc, gateways)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create UDP packet forwarder")
	}

	if err := forwarder.Start(ctx); err != nil {
		log.Error().Err(err).Msg("UDP packet forwarder stopped")
	}

	log.Info().Msg("Gateway bridge stopped")
}
