package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"execution-core/internal/api"
	"execution-core/internal/asl"
	"execution-core/internal/audit"
	"execution-core/internal/connection"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/metadata"
	"execution-core/internal/monitor"
	"execution-core/internal/reconciliation"
	"execution-core/internal/recovery"
	"execution-core/internal/vault"
	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/license"
	"execution-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	log.Info().Str("version", version).Str("port", cfg.Port).Str("db", cfg.DBPath).Msg("Starting execution core")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Database init failed")
	}
	defer database.Close()

	bus := events.NewBus()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Session: "trading"}
	mon.Start()
	defer mon.Stop()

	credVault := vault.New(database,
		vault.WithIterations(cfg.VaultIterations),
		vault.WithMaxProfiles(cfg.VaultMaxProfiles),
	)

	// Market metadata and mark prices
	marks := cache.NewMarkPrices()
	meta := metadata.NewCache(metadata.PublicSources, cfg.MetadataTTL)
	validator := metadata.NewValidator(meta, marks)

	// Venue access: REST clients per profile, the trading session, market data and account events.
	venues := execution.NewVenues(execution.RESTFactory(common.DefaultRecvWindow))
	trading := connection.NewManager(bus, connection.Config{Name: "trading", RecvWindow: common.DefaultRecvWindow, Clock: venues.Now})
	streams := connection.NewManager(bus, connection.Config{Name: "market"})
	userData := connection.NewUserStream(bus, connection.Config{}, connection.DefaultKeepAlive)

	limiter := common.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	recoveryHandler := recovery.NewHandler(venues, recovery.WithLimiter(limiter))

	// Trailing stops
	levels, err := asl.LoadLevels(cfg.ASLLevelsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.ASLLevelsFile).Msg("ASL levels invalid")
	}
	placer, err := execution.NewStopPlacer(credVault, validator, trading, venues)
	if err != nil {
		log.Fatal().Err(err).Msg("Stop placer init failed")
	}
	stops, err := asl.New(placer,
		asl.WithLevels(levels),
		asl.WithBus(bus),
		asl.WithPrices(marks),
		asl.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("ASL init failed")
	}
	defer stops.Close()

	// Licensing and the optional execution proxy
	var verifier *license.Verifier
	if cfg.LicenseJWTPublicKey != "" {
		verifier, err = license.NewVerifier(cfg.LicenseJWTPublicKey, cfg.LicenseJWTIssuer, cfg.LicenseJWTAudience)
		if err != nil {
			log.Warn().Err(err).Msg("License public key rejected; using unverified license view")
		}
	}
	gate := license.NewGate(cfg.LicenseToken, verifier)
	installID := license.InstallID()
	proxyClient := execution.NewProxyClient(cfg.ProxyURL, installID, gate)
	if proxyClient.Enabled() {
		log.Info().Str("proxy", cfg.ProxyURL).Str("install_id", installID).Msg("Execution proxy configured")
	}

	// Audit log, restored from the database when persistence is on.
	auditLog := audit.New(nil)
	if cfg.AuditPersist {
		sink := audit.NewSQLiteSink(database, 50, 2*time.Second)
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Audit sink close failed")
			}
		}()
		auditLog = audit.New(sink)
		entries, err := audit.LoadEntries(ctx, database)
		if err != nil {
			log.Warn().Err(err).Msg("Audit history not restored")
		} else {
			auditLog.Restore(entries)
			log.Info().Int("entries", len(entries)).Msg("Audit history restored")
		}
	}

	engine, err := execution.New(execution.Deps{
		Vault:     credVault,
		Validator: validator,
		Venues:    venues,
		Recovery:  recoveryHandler,
		Stops:     stops,
		Gate:      gate,
		Bus:       bus,
		Conn:      trading,
		Streams:   streams,
		Proxy:     proxyClient,
		Audit:     auditLog,
		Marks:     marks,
		Metrics:   metrics,
		Brackets:  meta,
		UserData:  userData,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Execution engine init failed")
	}
	engine.Start(ctx)
	defer engine.Close()

	reconciler := reconciliation.NewService(engine, stops, auditLog, time.Minute)
	reconciler.Start(ctx)

	if cfg.VaultPassphrase != "" {
		if p, err := engine.Resume(ctx, cfg.VaultPassphrase); err != nil {
			log.Warn().Err(err).Msg("Auto-unlock failed; unlock from the UI")
		} else {
			log.Info().Str("profile", p.Name).Str("environment", string(p.Environment)).Msg("Vault unlocked")
		}
	}

	server := api.NewServer(api.Deps{
		Vault:      credVault,
		Engine:     engine,
		Stops:      stops,
		Bus:        bus,
		Audit:      auditLog,
		Gate:       gate,
		Reconciler: reconciler,
		Metrics:    metrics,
		Handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, api.Options{
		APIToken:    cfg.APIToken,
		CORSOrigins: cfg.CORSOrigins,
		Observer:    metrics.HTTPRequest,
		Version:     version,
	})
	if cfg.APIToken == "" {
		log.Warn().Msg("API_TOKEN not set; local API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if proxyClient.Registered() {
		if err := engine.ClearProxySession(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Proxy session not cleared")
		}
	}
	engine.Disconnect()
	credVault.Lock()
}
