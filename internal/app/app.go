// Package app wires gatekeeper's components together and runs the HTTP
// server. It is the single place that knows how every package fits.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/palisade-labs/gatekeeper/internal/behavior"
	"github.com/palisade-labs/gatekeeper/internal/cdn"
	"github.com/palisade-labs/gatekeeper/internal/challenge"
	"github.com/palisade-labs/gatekeeper/internal/config"
	"github.com/palisade-labs/gatekeeper/internal/creds"
	"github.com/palisade-labs/gatekeeper/internal/httpserver"
	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/manifest"
	"github.com/palisade-labs/gatekeeper/internal/mlclient"
	"github.com/palisade-labs/gatekeeper/internal/platform"
	"github.com/palisade-labs/gatekeeper/internal/ratelimit"
	"github.com/palisade-labs/gatekeeper/internal/router"
	"github.com/palisade-labs/gatekeeper/internal/session"
	"github.com/palisade-labs/gatekeeper/internal/signing"
	"github.com/palisade-labs/gatekeeper/internal/suspicious"
	"github.com/palisade-labs/gatekeeper/internal/telemetry"
	"github.com/palisade-labs/gatekeeper/internal/token"
	"github.com/palisade-labs/gatekeeper/pkg/apikey"
	"github.com/palisade-labs/gatekeeper/pkg/gateway"
	"github.com/palisade-labs/gatekeeper/pkg/ipadmin"
)

// Run is the application entry point: it connects to infrastructure,
// builds every domain component, and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gatekeeper", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	store := kv.NewRedisStore(rdb)

	verifier := creds.NewVerifier(db, cfg.DemoPublicKey, cfg.DemoSecret)
	gate := suspicious.NewRegistry(store, db, cfg.SuspiciousTTL)

	ipMinute := ratelimit.NewLimiter(store, time.Minute)
	ipHour := ratelimit.NewLimiter(store, time.Hour)
	ipDay := ratelimit.NewLimiter(store, 24*time.Hour)
	keyMinute := ratelimit.NewLimiter(store, time.Minute)
	keyDay := ratelimit.NewLimiter(store, 24*time.Hour)

	sessions := session.NewStore(store, cfg.SessionTTL, cfg.BotAttemptCeiling)
	tokens := token.NewStore(db, cfg.TokenTTL)
	manifestStore := manifest.NewStore(db)

	ml := mlclient.NewClient(cfg.MLBaseURL, cfg.OCRBaseURL, cfg.MLTimeout, cfg.MLRequestsPerSecond, cfg.MLBurst, cfg.DefaultScoreOnFailure)
	scorer := behavior.NewScorer(ml, db, logger, cfg.DefaultScoreOnFailure, 1024)
	go scorer.Run(ctx)

	signer, err := signing.NewSigner(cfg.SigningSecret)
	if err != nil {
		return fmt.Errorf("building signer: %w", err)
	}

	cdnBuilder, err := buildCDN(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building cdn url builder: %w", err)
	}

	challenges := challenge.NewStore(store, manifestStore, cdnBuilder, ml, signer, challenge.Config{
		TTL:                       cfg.CaptchaTTL,
		AbstractAttemptCeiling:    cfg.AbstractAttemptCeiling,
		ImageGridAttemptCeiling:   cfg.ImageGridAttemptCeiling,
		HandwritingAttemptCeiling: cfg.HandwritingAttemptCeiling,
		AbstractMinPositives:      cfg.AbstractMinPositives,
		AbstractMaxPositives:      cfg.AbstractMaxPositives,
		AbstractMode:              cfg.AbstractMode,
		ImageProxyMode:            cfg.ImageProxyMode,
	})

	adaptiveRouter := router.New(router.Config{
		Thresholds: router.TierThresholds{
			Pass:        cfg.TierPassThreshold,
			Image:       cfg.TierImageThreshold,
			Abstract:    cfg.TierAbstractThreshold,
			Handwriting: cfg.TierHandwritingThreshold,
		},
		IPPerMinute:          cfg.IPPerMinute,
		IPPerHour:            cfg.IPPerHour,
		IPPerDay:             cfg.IPPerDay,
		KeyPerMinuteFallback: cfg.KeyPerMinuteFallback,
		KeyPerDayFallback:    cfg.KeyPerDayFallback,
		TokenTTL:             cfg.TokenTTL,
	}, gate, ipMinute, ipHour, ipDay, keyMinute, keyDay, verifier, sessions, scorer, tokens)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	apikeyService := apikey.NewService(db, logger)

	gatewayHandler := gateway.NewHandler(logger, adaptiveRouter, challenges, tokens, verifier, apikeyService)
	srv.Router.Mount("/api", gatewayHandler.Routes())

	ipadminHandler := ipadmin.NewHandler(logger, gate, cfg.AdminToken)
	srv.Router.Mount("/api/admin", ipadminHandler.Routes())

	apikeyHandler := apikey.NewHandlerFromService(logger, apikeyService)
	srv.Router.Route("/api/admin/keys", func(r chi.Router) {
		r.Use(httpserver.RequireAdminToken(cfg.AdminToken))
		r.Mount("/", apikeyHandler.Routes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildCDN(ctx context.Context, cfg *config.Config) (*cdn.Builder, error) {
	if cfg.CDNMode == "presigned" {
		return cdn.NewPresignedBuilder(ctx, cfg.CDNBucket, cfg.CDNRegion, cfg.CDNEndpoint, "", "", cfg.CDNPresignTTL)
	}
	return cdn.NewDirectBuilder(cfg.CDNAssetBaseURL), nil
}
