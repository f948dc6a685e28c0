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

	"github.com/praghav/modelqueue/internal/api"
	"github.com/praghav/modelqueue/internal/config"
	"github.com/praghav/modelqueue/internal/metrics"
	"github.com/praghav/modelqueue/internal/scheduler"
	"github.com/praghav/modelqueue/internal/scheduler/pool"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

// assumed decode rate of the simulated backend, tokens per second.
const simulatedTokensPerSec = 50

func main() {
	cfgPath := os.Getenv("SCHEDULER_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if addr := os.Getenv("SCHEDULER_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	// Stand-in backend until a real engine is attached: holds the worker
	// for the request's token budget at an assumed decode rate.
	sched := scheduler.New(cfg, func(modelID string) pool.Backend {
		return pool.BackendFunc(func(ctx context.Context, r *queue.Request) error {
			hold := time.Duration(r.EstimatedTokens) * time.Second / simulatedTokensPerSec
			if hold < 20*time.Millisecond {
				hold = 20 * time.Millisecond
			}
			select {
			case <-time.After(hold):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(sched),
	}
	go func() {
		log.Printf("api listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("scheduler stop: %v", err)
	}
	log.Println("shutdown complete")
}
