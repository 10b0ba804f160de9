// Command execution-proxy holds venue sessions for licensed installs and relays their orders.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/monitor"
	"execution-core/internal/proxy"
	"execution-core/pkg/config"
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
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var verifier *license.Verifier
	if cfg.LicenseJWTPublicKey != "" {
		verifier, err = license.NewVerifier(cfg.LicenseJWTPublicKey, cfg.LicenseJWTIssuer, cfg.LicenseJWTAudience)
		if err != nil {
			log.Fatal().Err(err).Msg("License public key invalid")
		}
	} else {
		log.Warn().Msg("LICENSE_JWT_PUBLIC_KEY not set; mainnet sessions will be refused")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	store := proxy.NewStore(proxy.DefaultStoreConfig(), proxy.FuturesFactory(common.DefaultRecvWindow), metrics.SetProxySessions)
	store.Start(ctx)
	defer store.Stop()

	server := proxy.NewServer(store, proxy.Options{
		Verifier:    verifier,
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     metrics,
		Observer:    metrics.HTTPRequest,
	})
	server.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:              ":" + cfg.ProxyPort,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Execution proxy listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Proxy server error")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.ProxyGRPCPort != "" {
		grpcServer = serveHealth(cfg.ProxyGRPCPort)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down execution proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Proxy shutdown incomplete")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

// serveHealth exposes the standard gRPC health service for orchestrator health checks.
func serveHealth(port string) *grpc.Server {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatal().Err(err).Str("port", port).Msg("gRPC health listener failed")
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(proxy.Name, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
		if err := gs.Serve(lis); err != nil {
			log.Warn().Err(err).Msg("gRPC health server stopped")
		}
	}()
	return gs
}
