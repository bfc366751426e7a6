// Package main is the entry point for the stagepool worker.
// The worker pulls jobs off the queue and drives the provisioning
// state machine against the environment backend.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stagepool/internal/backend"
	"stagepool/internal/backend/docker"
	"stagepool/internal/backend/kubernetes"
	"stagepool/internal/config"
	"stagepool/internal/credential"
	"stagepool/internal/logger"
	"stagepool/internal/observability"
	"stagepool/internal/pool"
	"stagepool/internal/store/postgres"
	"stagepool/internal/transfer"
	"stagepool/internal/worker"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	// Tracing
	shutdownTracer, err := observability.Init(ctx, "stagepool-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Select backend based on configuration
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
		log.Println("Using docker backend")
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
		log.Printf("Using kubernetes backend (namespace: %s)", cfg.KubeNamespace)
	}

	poolCtl := pool.New(store, be, pool.Policy{
		MinWarm:          cfg.PoolMinWarm,
		MaxWarm:          cfg.PoolMaxWarm,
		Interval:         cfg.PoolInterval,
		CreateTimeout:    cfg.CreateTimeout,
		MaxResetFailures: cfg.PoolMaxResetFailures,
	}, slogger)

	processor := worker.NewProcessor(
		store, store, store,
		poolCtl, be,
		transfer.New(0),
		credential.New(cfg.CredentialURL, 0),
		worker.ProcessorConfig{
			PublicDomain:  cfg.PublicDomain,
			CreateTimeout: cfg.CreateTimeout,
		},
		slogger,
	)

	hostname, _ := os.Hostname()
	agent := worker.New(store, processor, worker.AgentConfig{
		ID:                hostname,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxBackoff:        cfg.WorkerMaxBackoff,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
	}, slogger)

	log.Printf("Worker started with concurrency %d", cfg.WorkerConcurrency)
	go agent.Run(ctx)

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("stagepool-worker")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Start a dedicated metrics server on port 6162
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Println("Worker metrics listening on :6162")
		if err := http.ListenAndServe(":6162", mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	<-agent.Done()
}
