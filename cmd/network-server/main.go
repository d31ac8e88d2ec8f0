package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-network-server/internal/api"
	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/gateway"
	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/logging"
	"github.com/lorawan-server/lorawan-network-server/internal/network"
	"github.com/lorawan-server/lorawan-network-server/internal/network/adr"
	"github.com/lorawan-server/lorawan-network-server/internal/network/downlink"
	"github.com/lorawan-server/lorawan-network-server/internal/network/lock"
	"github.com/lorawan-server/lorawan-network-server/internal/network/maccommand"
	"github.com/lorawan-server/lorawan-network-server/internal/network/uplink"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
)

func main() {
	configPath := flag.String("config", "config/network-server.yml", "Configuration file path")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer closeLog()

	regions, err := region.NewRegistry(cfg.Regions)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid region configuration")
	}

	if *validateOnly {
		for _, r := range regions.Load().All() {
			log.Info().
				Str("region_config_id", r.ID).
				Str("common_name", r.CommonName).
				Ints("uplink_channels", r.Band.GetEnabledUplinkChannelIndices()).
				Msg("region")
		}
		log.Info().Str("config_path", *configPath).Msg("Configuration is valid")
		return
	}

	if err := run(*configPath, cfg, regions); err != nil {
		log.Fatal().Err(err).Msg("Network server stopped")
	}
	log.Info().Msg("Network server stopped")
}

func run(configPath string, cfg *config.Config, regions *region.Registry) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("config_path", configPath).
		Str("net_id", cfg.Network.NetID).
		Int("regions", len(cfg.Regions)).
		Msg("Network server starting")

	store, err := storage.Open(ctx, cfg.Database, cfg.Network.DeviceSessionTTL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("lorawan-network-server"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	handler := integration.NewMultiHandler(
		integration.NewNATSHandler(nc),
		integration.NewEventLogHandler(store),
	)
	backend := gateway.NewNATSBackend(nc)
	locker := lock.NewDeviceLocker(store)
	engine := adr.NewEngine(nil, cfg.Network.ADRBackoffThreshold)
	mac := maccommand.NewProcessor(store, handler, engine, cfg.Network.MACCommandsDisabled)
	scheduler := downlink.NewScheduler(cfg.Network, store, backend, handler, mac, locker, regions)

	pipeline, err := uplink.NewPipeline(cfg.Network, store, regions, handler, mac, engine, scheduler, locker)
	if err != nil {
		return fmt.Errorf("create uplink pipeline: %w", err)
	}
	apiServer := api.NewRESTServer(cfg, store, regions)

	if cfg.KEK.Label != "" {
		keks, err := crypto.NewKEKRing(map[string]string{cfg.KEK.Label: cfg.KEK.Key})
		if err != nil {
			return fmt.Errorf("load KEK: %w", err)
		}
		pipeline.SetKEK(cfg.KEK.Label, keks)
		apiServer.SetKEK(cfg.KEK.Label, keks)
		log.Info().Str("kek_label", cfg.KEK.Label).Msg("AppSKeys are wrapped")
	}

	processor := network.NewProcessor(nc, store, regions, pipeline, cfg.Network)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Start(ctx)
	})
	g.Go(func() error {
		return scheduler.Start(ctx)
	})
	g.Go(apiServer.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reloadRegions(ctx, configPath, regions)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reloadRegions swaps the region snapshot on SIGHUP. Uplinks in flight keep
// the snapshot they loaded.
func reloadRegions(ctx context.Context, configPath string, regions *region.Registry) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			log.Error().Err(err).Msg("Reload config error, keeping the current regions")
			continue
		}
		if err := regions.Swap(cfg.Regions); err != nil {
			log.Error().Err(err).Msg("Reload regions error, keeping the current regions")
			continue
		}
		log.Info().Int("regions", len(cfg.Regions)).Msg("Regions reloaded")
	}
}
