package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"educate-attendance/internal/attendance"
	"educate-attendance/internal/config"
	"educate-attendance/internal/forwarder"
	"educate-attendance/internal/metrics"
	"educate-attendance/internal/queue"
	"educate-attendance/internal/spoc"
	"educate-attendance/internal/store"
)

// Worker consumes forward jobs, pushes marks to SPOC, and runs the
// reconciliation sweep on a fixed interval.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var cache forwarder.DedupeCache
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		cache = forwarder.NewMemoryCache()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		cache = forwarder.NewRedisCache(redisClient.Client)
	}

	repo := attendance.NewRepository(db.Client)
	spocClient := spoc.New(cfg.SpocBaseURL, cfg.SpocAPIKey, cfg.SpocSource, cfg.SpocTimeout, cfg.SpocSkip)

	if !cfg.SpocSkip {
		if err := spocClient.Health(ctx); err != nil {
			log.Printf("WARNING: SPOC endpoint not available: %v", err)
			log.Println("Worker will retry forwards as jobs arrive")
		} else {
			log.Println("SPOC endpoint connected")
		}
	}

	fwd := forwarder.New(repo, spocClient, cache, cfg.ForwardMaxRetries, cfg.ForwardBaseDelay, cfg.DedupeTTL)
	sweep := forwarder.NewSweep(repo, q, cfg.SweepLookback, cfg.ForwardMaxRetries, cfg.SweepBatch)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := fwd.Run(ctx, q); err != nil && ctx.Err() == nil {
			log.Printf("forwarder stopped with error: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := sweep.Run(ctx)
				if err != nil {
					log.Printf("sweep failed: %v", err)
					continue
				}
				metrics.SweepRequeued.Add(float64(n))
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	log.Println("worker stopped")
}
