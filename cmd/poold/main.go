// Package main is the entry point for poold, the warm pool daemon.
// It keeps the pool within its bounds and reclaims environments whose
// TTL has passed. Run exactly one replica; the CAS transitions keep an
// accidental second replica harmless.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stagepool/internal/autoscale"
	"stagepool/internal/backend"
	"stagepool/internal/backend/docker"
	"stagepool/internal/backend/kubernetes"
	"stagepool/internal/config"
	"stagepool/internal/logger"
	"stagepool/internal/observability"
	"stagepool/internal/pool"
	"stagepool/internal/reclaimer"
	"stagepool/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("poold")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	shutdownTracer, err := observability.Init(ctx, "stagepool-poold", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	var be backend.Backend
	switch cfg.Backend {
	case "docker":
		dockerBE, err := docker.New(docker.Config{
			Image:   cfg.Image,
			DBImage: cfg.DBImage,
		}, slogger)
		if err != nil {
			log.Fatalf("Failed to create Docker backend: %v", err)
		}
		be = dockerBE
	default:
		k8sBE, err := kubernetes.New(kubernetes.Config{
			Namespace: cfg.KubeNamespace,
			Image:     cfg.Image,
			DBImage:   cfg.DBImage,
		}, slogger)
		if err != nil {
			log.Fatalf("Failed to create Kubernetes backend: %v", err)
		}
		be = k8sBE
	}

	poolCtl := pool.New(store, be, pool.Policy{
		MinWarm:          cfg.PoolMinWarm,
		MaxWarm:          cfg.PoolMaxWarm,
		Interval:         cfg.PoolInterval,
		CreateTimeout:    cfg.CreateTimeout,
		MaxResetFailures: cfg.PoolMaxResetFailures,
	}, slogger)

	sweeper := reclaimer.New(store, store, poolCtl, reclaimer.Config{
		Interval:     cfg.ReclaimInterval,
		JobRetention: cfg.JobRetention,
	}, slogger)

	recovery := reclaimer.NewRecovery(store, reclaimer.RecoveryConfig{
		Interval: cfg.ReclaimInterval,
		Grace:    cfg.RecoveryGrace,
		Liveness: cfg.RecoveryLiveness,
	}, slogger)

	log.Printf("Poold starting (min_warm=%d max_warm=%d)", cfg.PoolMinWarm, cfg.PoolMaxWarm)
	go poolCtl.Run(ctx)
	go sweeper.Run(ctx)
	go recovery.Run(ctx)

	metricsHandler, shutdownMetrics, err := observability.InitMetrics("stagepool-poold")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	if err := autoscale.Register(store, store, slogger); err != nil {
		log.Printf("Failed to register autoscale gauges: %v", err)
	}

	// Dedicated metrics server on port 6163
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Println("Poold metrics listening on :6163")
		if err := http.ListenAndServe(":6163", mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down poold...")
	cancel()
}
