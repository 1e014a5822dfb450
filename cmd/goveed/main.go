// goveed is a small daemon around the govee client: it discovers the
// account's devices, polls their state on an interval, and logs lifecycle
// events. It doubles as a reference for embedding the client.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/govee"
	"github.com/dokzlo13/govee/internal/config"
	"github.com/dokzlo13/govee/learning"
	"github.com/dokzlo13/govee/learning/jsonstore"
	"github.com/dokzlo13/govee/learning/sqlitestore"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log.Level, cfg.Log.UseJSON, cfg.Log.Colors)
	log.Info().Str("config", configPath).Msg("Starting goveed")

	storage, cleanup, err := openStorage(cfg.Learning)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open learning storage")
	}
	defer cleanup()

	opts := []govee.Option{
		govee.WithLogger(log.Logger),
		govee.WithLearningStorage(storage),
		govee.WithHTTPClient(&http.Client{Timeout: cfg.Govee.Timeout.Duration()}),
		govee.WithRPSLimit(cfg.Govee.RateLimitRPS),
		govee.WithEventWorkers(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize()),
	}
	if cfg.Govee.BaseURL != "" {
		opts = append(opts, govee.WithBaseURL(cfg.Govee.BaseURL))
	}
	if cfg.Govee.RateLimitReserve > 0 {
		opts = append(opts, govee.WithRateLimitReserve(cfg.Govee.RateLimitReserve))
	}

	client, err := govee.New(cfg.Govee.APIKey, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}

	if cfg.Govee.IgnoreAttributes != "" {
		if err := client.IgnoreDeviceAttributes(cfg.Govee.IgnoreAttributes); err != nil {
			log.Fatal().Err(err).Msg("Invalid govee.ignore_attributes")
		}
	}
	client.SetOfflineIsOff(cfg.Govee.OfflineIsOff)

	client.OnNewDevice(func(e govee.Event) {
		log.Info().Str("device", e.Device).Str("model", e.Model).Msg("New device discovered")
	})
	client.OnOnline(func(e govee.Event) {
		log.Info().Str("device", e.Device).Msg("Device came online")
	})
	client.OnOffline(func(e govee.Event) {
		log.Warn().Str("device", e.Device).Msg("Device went offline")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if latency, err := client.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("API ping failed, continuing anyway")
	} else {
		log.Info().Dur("latency", latency).Msg("API reachable")
	}

	run(ctx, client, cfg)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	log.Info().Msg("Stopped")
}

// run drives discovery and the poll loop until the context is canceled.
func run(ctx context.Context, client *govee.Client, cfg *config.Config) {
	discover := func() {
		devices, err := client.GetDevices(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Device discovery failed")
			return
		}
		log.Info().Int("devices", len(devices)).Msg("Discovery complete")
	}
	poll := func() {
		devices, err := client.GetStates(ctx)
		if err != nil {
			log.Error().Err(err).Msg("State poll failed")
			return
		}
		for _, d := range devices {
			ev := log.Debug().
				Str("device", d.ID).
				Str("model", d.Model).
				Bool("online", d.IsOnline()).
				Bool("power", d.PowerState).
				Int("brightness", d.Brightness)
			if d.LastError != "" {
				ev = ev.Str("last_error", d.LastError)
			}
			ev.Msg("Device state")
		}
	}

	discover()
	poll()

	pollTicker := time.NewTicker(cfg.Poll.Interval.Duration())
	defer pollTicker.Stop()
	rediscoverTicker := time.NewTicker(cfg.Poll.RediscoverInterval.Duration())
	defer rediscoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rediscoverTicker.C:
			discover()
		case <-pollTicker.C:
			poll()
		}
	}
}

func openStorage(cfg config.LearningConfig) (learning.Storage, func(), error) {
	switch cfg.Storage {
	case "sqlite":
		store, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close learning storage")
			}
		}, nil
	case "json":
		return jsonstore.New(cfg.Path), func() {}, nil
	default:
		return learning.NewMemoryStorage(), func() {}, nil
	}
}

func setupLogging(level string, useJSON bool, colors bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
