package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"possync/backend/internal/cache"
	"possync/backend/internal/config"
	"possync/backend/internal/entity"
	"possync/backend/internal/httpapi"
	"possync/backend/internal/notify"
	"possync/backend/internal/service"
	"possync/backend/internal/store"
	"possync/backend/internal/store/memory"
	pgstore "possync/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatalf("postgres migration failed: %v", err)
			}
			log.Println("postgres schema applied")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	dispatcher := notify.NewDispatcher(cfg.NotifyWorkers, cfg.NotifyQueueSize, 5*time.Second)

	statusCache := cache.StatusCache(cache.NoopStatusCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStatusCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			statusCache = redisCache
			closers = append(closers, redisCache.Close)
			dispatcher.AddBackend(notify.NewRedisBackend(redisCache.Client(), cfg.RedisEventsChannel))
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	if cfg.NATSURL != "" {
		backend, err := notify.NewNATSBackend(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Printf("nats unavailable (%v), skipping nats events", err)
		} else {
			dispatcher.AddBackend(backend)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		dispatcher.AddBackend(notify.NewKafkaBackend(cfg.KafkaBrokers, cfg.KafkaTopic))
	}

	var publisher notify.Publisher = notify.NoopPublisher{}
	if dispatcher.Backends() > 0 {
		dispatcher.Start(context.Background())
		publisher = dispatcher
	} else {
		log.Println("events: disabled")
	}

	svc := service.New(repo, entity.NewRegistry(), service.Options{
		StatusCache:          statusCache,
		StatusCacheTTL:       time.Duration(cfg.StatusCacheTTLSeconds) * time.Second,
		Publisher:            publisher,
		PullBatchSize:        cfg.PullBatchSize,
		PullSafetyWindow:     time.Duration(cfg.PullSafetyWindowSeconds) * time.Second,
		StaleProcessingAfter: time.Duration(cfg.StaleProcessingSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("sync backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// Drain events before the redis client they publish through is closed.
	dispatcher.Stop()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.PullBatchSize < 1 {
		return fmt.Errorf("SYNC_PULL_BATCH_SIZE must be positive")
	}
	return nil
}
