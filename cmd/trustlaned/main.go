// Command trustlaned runs the trust boundary daemon: lane enforcement,
// decision record verification, and the hash-chained audit trail behind one
// HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trustlane/core/pkg/api"
	"github.com/trustlane/core/pkg/audit"
	"github.com/trustlane/core/pkg/audit/archive"
	"github.com/trustlane/core/pkg/config"
	"github.com/trustlane/core/pkg/integrity"
	"github.com/trustlane/core/pkg/laneguard"
	"github.com/trustlane/core/pkg/observability"
)

func main() {
	configPath := flag.String("config", "boundary.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("trustlaned failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "trustlane-boundary",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
		Insecure:       os.Getenv("OTEL_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Audit trail with per-day JSONL persistence.
	dayStore, err := audit.NewDayFileStore(cfg.Audit.Dir)
	if err != nil {
		return err
	}
	trail, err := audit.NewTrail(audit.TrailConfig{
		Persister:   dayStore,
		Logger:      logger.With("component", "audit"),
		Recorder:    obs,
		MaxInMemory: cfg.Audit.MaxInMemory,
	})
	if err != nil {
		return err
	}

	archiver, err := newArchiver(cfg)
	if err != nil {
		return err
	}
	if archiver != nil {
		defer func() { _ = archiver.Close() }()
	}

	if store, err := archive.NewObjectStoreFromEnv(ctx); err != nil {
		return err
	} else if store != nil {
		shipper := archive.NewDayFileShipper(cfg.Audit.Dir, store, "trail/", logger.With("component", "audit-shipper"))
		go shipper.RunPeriodic(ctx, time.Duration(cfg.Audit.ShipInterval))
	}

	// Integrity verifier; replay cache moves to Redis when an address is set.
	var nonces integrity.NonceStore
	if cfg.Integrity.RedisAddr != "" {
		nonces = integrity.NewRedisNonceStore(cfg.Integrity.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.Integrity.RedisDB)
	} else {
		nonces = integrity.NewMemoryNonceStore(cfg.Integrity.NonceCapacity)
	}
	verifier := integrity.NewVerifier(integrity.VerifierConfig{
		NonceStore: nonces,
		Recorder:   obs,
		Logger:     logger.With("component", "integrity"),
	})

	var floor *integrity.PolicyVersionFloor
	if cfg.Integrity.PolicyVersionFloor != "" {
		floor, err = integrity.NewPolicyVersionFloor(cfg.Integrity.PolicyVersionFloor)
		if err != nil {
			return err
		}
	}

	var keyring *integrity.AuthorityKeyring
	if secret, err := cfg.MasterSecret(); err == nil {
		keyring = integrity.NewAuthorityKeyring(secret)
	} else {
		logger.Warn("authority keyring disabled", "reason", err)
	}

	guard, err := laneguard.NewGuard(laneguard.Config{
		RuntimeIdentifiers: cfg.LaneGuard.RuntimeIdentifiers,
		InternalServices:   cfg.LaneGuard.InternalServices,
		DenyRules:          cfg.LaneGuard.DenyRules,
		Recorder:           obs,
		Logger:             logger.With("component", "laneguard"),
	})
	if err != nil {
		return err
	}

	if _, err := trail.Record(ctx, audit.KindSystemStartup, "", "", audit.ResultSuccess, nil); err != nil {
		return err
	}

	server := newBoundaryServer(guard, verifier, keyring, floor, trail, archiver, logger)

	var limiter *api.KeyedRateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = api.NewKeyedRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		defer limiter.Close()
	}
	handler := laneguard.NewMiddleware(guard, limiter).Handler(server.routes())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustlaned listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return trail.Close(shutdownCtx)
}

func newArchiver(cfg *config.Config) (archive.Archiver, error) {
	switch {
	case cfg.Audit.ArchiveDSN != "":
		return archive.OpenPostgresArchive(cfg.Audit.ArchiveDSN)
	case cfg.Audit.ArchivePath != "":
		return archive.OpenSQLiteArchive(cfg.Audit.ArchivePath)
	default:
		return nil, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
