// Command perron-proxy is a demo reverse proxy exercising the perron
// client: every inbound request is relayed to one configured upstream
// through the full filter/breaker/retry stack.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zalando-incubator/perron-go"
	"github.com/zalando-incubator/perron-go/breaker"
	"github.com/zalando-incubator/perron-go/internal/config"
	"github.com/zalando-incubator/perron-go/internal/logging"
	"github.com/zalando-incubator/perron-go/internal/metrics"
	"github.com/zalando-incubator/perron-go/internal/middleware"
	"github.com/zalando-incubator/perron-go/internal/router"
	"github.com/zalando-incubator/perron-go/internal/telemetry"
	"github.com/zalando-incubator/perron-go/retry"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logger.Level})
	defer logger.Sync()

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: "dev",
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.Jaeger.URL,
		SamplingRatio:  cfg.Jaeger.SamplingRate,
	})
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer(context.Background())

	clientMetrics := metrics.NewClientMetrics(prometheus.DefaultRegisterer, cfg.Upstream.Hostname)

	clientCfg := perron.NewConfig(cfg.ServiceName, cfg.Upstream.Hostname)
	clientCfg.Scheme = cfg.Upstream.Scheme
	clientCfg.Port = cfg.Upstream.Port
	clientCfg.ConnectionTimeout = cfg.Upstream.ConnectionTimeout
	clientCfg.ReadTimeout = cfg.Upstream.ReadTimeout
	clientCfg.DropRequestAfter = cfg.Upstream.DropRequestAfter
	clientCfg.DropAllRequestsAfter = cfg.Upstream.DropAllRequestsAfter
	clientCfg.Tracer = telemetry.Tracer("perron")
	clientCfg.Logger = logger
	clientCfg.Retry = retry.Config{
		Retries:    cfg.Retry.Retries,
		Factor:     cfg.Retry.Factor,
		MinTimeout: cfg.Retry.MinTimeout,
		MaxTimeout: cfg.Retry.MaxTimeout,
		Randomize:  cfg.Retry.Randomize,
	}
	clientCfg.OnRetry = func(ordinal int, err error, _ *perron.RequestParams) {
		clientMetrics.RetriesTotal.Inc()
		logger.Warn("retrying upstream call", zap.Int("attempt", ordinal), zap.Error(err))
	}
	if cfg.Breaker.Enabled {
		clientCfg.Breaker = &breaker.Settings{
			Name:                    cfg.ServiceName,
			WindowDuration:          cfg.Breaker.WindowDuration,
			NumBuckets:              cfg.Breaker.NumBuckets,
			ErrorThreshold:          cfg.Breaker.ErrorThreshold,
			VolumeThreshold:         cfg.Breaker.VolumeThreshold,
			WaitDurationInOpenState: cfg.Breaker.WaitDurationInOpenState,
			Logger:                  logger,
			OnCircuitOpen: func(breaker.Metrics) {
				clientMetrics.BreakerState.Set(2)
			},
			OnCircuitClose: func(breaker.Metrics) {
				clientMetrics.BreakerState.Set(0)
			},
		}
	}

	client, err := perron.New(clientCfg)
	if err != nil {
		log.Fatalf("failed to build perron client: %v", err)
	}
	defer client.Close()

	r := router.New(router.Deps{
		Client:          client,
		Mw:              middleware.New(logger),
		AuthSecret:      cfg.Auth.Secret,
		RateLimitPeriod: cfg.RateLimit.Period,
		RateLimitLimit:  cfg.RateLimit.Limit,
	})

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("perron-proxy starting", zap.String("port", port), zap.String("upstream", cfg.Upstream.Hostname))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down perron-proxy")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown:", err)
	}
	logger.Info("perron-proxy exited gracefully")
}
