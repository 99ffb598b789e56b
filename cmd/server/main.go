package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bzinkan/pass-pilot-sub000/internal/config"
	"github.com/bzinkan/pass-pilot-sub000/internal/db"
	internalhttp "github.com/bzinkan/pass-pilot-sub000/internal/http"
	"github.com/bzinkan/pass-pilot-sub000/internal/pass"
	"github.com/bzinkan/pass-pilot-sub000/internal/scheduler"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	svc := pass.NewService(store, store)

	loc := time.Local
	if cfg.ResetTimezone != "" && cfg.ResetTimezone != "Local" {
		loc, err = time.LoadLocation(cfg.ResetTimezone)
		if err != nil {
			log.Fatalf("invalid reset timezone %q: %v", cfg.ResetTimezone, err)
		}
	}
	sched := scheduler.New(svc, loc, cfg.ResetTimeout)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	server := internalhttp.NewServer(cfg, svc, sched, redisClient)
	sched.OnReset(server.InvalidateActiveCache)
	if cfg.ResetEnabled {
		sched.Start(ctx)
		hours, minutes := sched.TimeUntilNextReset()
		log.Printf("nightly reset scheduled in %dh%dm", hours, minutes)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("passpilot http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
