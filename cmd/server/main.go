package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/piiguard/internal/api"
	"github.com/org/piiguard/internal/audit"
	"github.com/org/piiguard/internal/core"
	"github.com/org/piiguard/internal/detect"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/profile"
	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/internal/vault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("PIIGUARD_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := loadConfig(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("failed to load config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("failed to open store")
	}
	defer store.Close()

	bus := events.NewBus()
	profiles := profile.NewManager(store, bus)
	session := core.NewSession()
	v := vault.NewManager(store, session, profiles, bus, vault.Options{
		Iterations:      cfg.KDFIterations,
		PreserveSession: cfg.PreserveSession,
	})
	usage := audit.NewLogger(store, cfg.UsageLogCap)
	detectOpts := detect.Options{
		Debounce:  cfg.Debounce,
		Cooldown:  cfg.Cooldown,
		MinLength: cfg.MinLength,
	}
	contexts := detect.NewRegistry(bus, func() *detect.Engine {
		return detect.NewEngine(profiles, v.LockState(), usage, detect.LogNotifier{}, detectOpts)
	})

	srv := api.NewServer(api.Deps{
		Vault:    v,
		Profiles: profiles,
		Usage:    usage,
		Contexts: contexts,
		Bus:      bus,
	}, api.Config{
		ListenAddr:    cfg.ListenAddr,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		TrustProxy:    cfg.TrustProxy,
		PrivilegedTTL: cfg.PrivilegedTTL,
	})

	st, err := v.Status(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read vault state")
	}
	switch {
	case !st.Initialized:
		log.Info().Msg("vault not yet initialized - POST /v1/sys/init to create it")
	case v.PreservationEnabled():
		restored, err := v.RestoreSession(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("session restore failed")
		}
		if !restored {
			log.Info().Msg("vault locked - POST /v1/sys/unlock to open a session")
		}
	default:
		log.Info().Msg("vault locked - POST /v1/sys/unlock to open a session")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("store", cfg.Store).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config) (storage.Store, error) {
	switch cfg.Store {
	case "postgres":
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			return nil, err
		}
		return storage.NewPostgresBackend(ctx, cfg.DBUrl)
	case "file":
		return storage.NewFileBackend(afero.NewOsFs(), cfg.DataDir)
	default:
		return storage.OpenSQLite(cfg.SQLitePath)
	}
}
