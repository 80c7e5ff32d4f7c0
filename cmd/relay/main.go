package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/giongto35/cloud-relay/pkg/auth"
	"github.com/giongto35/cloud-relay/pkg/config"
	"github.com/giongto35/cloud-relay/pkg/hub"
	"github.com/giongto35/cloud-relay/pkg/keyservice"
	"github.com/giongto35/cloud-relay/pkg/logger"
	"github.com/giongto35/cloud-relay/pkg/monitoring"
	xos "github.com/giongto35/cloud-relay/pkg/os"
	"github.com/giongto35/cloud-relay/pkg/relay"
	"github.com/giongto35/cloud-relay/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	conf, err := config.NewRelayConfig(config.ConfigPath(args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	conf.WithFlags(fs)
	newKey := fs.String("new-key", "", "Create an authentication key with the name and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logger.NewConsole(conf.Relay.Debug, "r", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	keys, err := auth.Open(conf.Relay.Storage.AuthKeys, log)
	if err != nil {
		return fmt.Errorf("auth keys: %w", err)
	}
	if fs.Changed("new-key") {
		key, err := keys.Add(*newKey)
		if err != nil {
			return fmt.Errorf("new key: %w", err)
		}
		fmt.Println(key.Key)
		return nil
	}

	store, err := hub.NewSQLiteStore(conf.Relay.Storage.Inventory)
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	inventory := hub.New(store)
	defer func() { _ = inventory.Close() }()
	if err := inventory.Load(context.Background()); err != nil {
		log.Warn().Err(err).Msg("inventory load")
	}

	opts := []relay.Option{
		relay.WithKeyStore(keys),
		relay.WithInventory(inventory),
		relay.WithRegisterer(prometheus.DefaultRegisterer),
	}
	if conf.Relay.Encryption.Enabled {
		opts = append(opts, relay.WithKeyFetcher(
			keyservice.New(conf.Relay.Encryption.KeyService, conf.Relay.Encryption.Timeout)))
	}
	r := relay.New(conf.Relay, log, opts...)

	srv, err := relay.NewServer(r, log)
	if err != nil {
		return err
	}

	services := service.Group{}
	if conf.Relay.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Relay.Monitoring, prometheus.DefaultGatherer, log)
		if err != nil {
			return fmt.Errorf("monitoring: %w", err)
		}
		services.Add(mon)
	}
	services.Add(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if conf.Relay.Storage.WatchKeys {
		go func() {
			if err := keys.Watch(ctx); err != nil {
				log.Error().Err(err).Msg("auth keys watch")
			}
		}()
	}

	services.Start()
	<-xos.ExpectTermination()
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := services.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
	return nil
}
