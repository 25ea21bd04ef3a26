package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"pet-feeder-backend/config"
	"pet-feeder-backend/internal/api"
	"pet-feeder-backend/internal/credential"
	"pet-feeder-backend/internal/db"
	"pet-feeder-backend/internal/dispatch"
	"pet-feeder-backend/internal/events"
	"pet-feeder-backend/internal/hub"
	"pet-feeder-backend/internal/metrics"
	"pet-feeder-backend/internal/mw"
	"pet-feeder-backend/internal/notification"
	"pet-feeder-backend/internal/reconcile"
	"pet-feeder-backend/internal/store"
	"pet-feeder-backend/internal/version"
)

func main() {
	flags := pflag.NewFlagSet("feederd", pflag.ExitOnError)
	configFlag := flags.StringP("config", "c", "", "path to config.yaml (overrides CONFIG_PATH)")
	_ = flags.Parse(os.Args[1:])

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}
	setupLogger(cfg.Log)
	log.Info().Str("path", configPath).Msg("configuration loaded")

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	if err := db.Migrate(gormDB); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	registry := hub.NewRegistry()
	engine := reconcile.NewEngine(appStore, registry, cfg.Hub.SyncTimeout)
	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	versions := version.NewNegotiator(appStore, cacheTTL)
	m := metrics.New()

	issuer, err := credential.NewIssuer(cfg.Hub.DefaultPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare device credentials")
	}

	var webpushOptions *webpush.Options
	var alerts hub.Notifier
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
		pool.Start(ctx)
		alerts = pool
	} else {
		log.Warn().Msg("VAPID keys are not configured, browser alerts are disabled")
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.MQTT.BrokerURL != "" {
		mqttPub, err := events.Dial(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix)
		if err != nil {
			log.Error().Err(err).Msg("mqtt unavailable, device events will not be published")
		} else {
			publisher = mqttPub
		}
	}
	defer publisher.Close()

	deviceHub := hub.New(cfg.Hub, hub.Deps{
		Store:    appStore,
		Registry: registry,
		Engine:   engine,
		Versions: versions,
		Issuer:   issuer,
		Alerts:   alerts,
		Events:   publisher,
		Metrics:  m,
	})
	dispatcher := dispatch.New(appStore, registry, engine, versions, m)

	// Nothing is connected yet, so every device starts offline.
	monitor := hub.NewLivenessMonitor(appStore, registry, publisher, m, cfg.Hub.LivenessInterval)
	if _, err := monitor.SyncOnce(ctx); err != nil {
		log.Error().Err(err).Msg("initial online flag sync failed")
	}
	if cfg.Hub.LivenessInterval > 0 {
		go monitor.Run(ctx)
	} else {
		log.Info().Msg("liveness monitor disabled, relying on the heartbeat sweep")
	}

	scheduler := cron.New()
	sweep := hub.NewHeartbeatSweep(appStore, registry, publisher, cfg.Hub.HeartbeatTimeout)
	if _, err := scheduler.AddJob(cfg.Hub.HeartbeatSweepSpec, sweep); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Hub.HeartbeatSweepSpec).Msg("invalid heartbeat sweep schedule")
	}
	scheduler.Start()

	handler := api.NewHandler(appStore, dispatcher, deviceHub, versions, webpushOptions, mw.NewResponseCache(cacheTTL))
	router := api.NewRouter(handler, m, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server ListenAndServe")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received, stopping services")

	<-scheduler.Stop().Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server Shutdown")
	}

	log.Info().Msg("server gracefully stopped")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
