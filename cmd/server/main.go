package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbound-router/internal/api"
	"github.com/ignite/inbound-router/internal/bounce"
	"github.com/ignite/inbound-router/internal/config"
	"github.com/ignite/inbound-router/internal/feature"
	"github.com/ignite/inbound-router/internal/forward"
	"github.com/ignite/inbound-router/internal/guard"
	"github.com/ignite/inbound-router/internal/pipeline"
	"github.com/ignite/inbound-router/internal/pkg/distlock"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/rawstore"
	"github.com/ignite/inbound-router/internal/repository/postgres"
	"github.com/ignite/inbound-router/internal/ses"
	"github.com/ignite/inbound-router/internal/spike"
	"github.com/ignite/inbound-router/internal/thread"
	"github.com/ignite/inbound-router/internal/webhook"
	"github.com/ignite/inbound-router/internal/worker"
)

// checkPortAvailable verifies the target port is not already in use, so
// a stale process does not silently absorb traffic meant for this one.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		logger.Error("pre-flight check failed", "error", err.Error())
		os.Exit(1)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error("database connection failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	store := postgres.NewStore(db)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, running degraded", "addr", cfg.Redis.Addr, "error", err.Error())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliverer := webhook.NewDeliverer(
		store.Deliveries, store.Endpoints, store.Webhooks,
		cfg.Server.PublicBaseURL, cfg.Webhook.UserAgent, cfg.Webhook.MaxPayloadBytes,
	)

	var sender forward.Sender
	sesSender, err := ses.NewSender(ctx, cfg.SES)
	if err != nil {
		logger.Warn("ses sender unavailable, forwards will be recorded as failed", "error", err.Error())
	} else {
		sender = sesSender
	}
	forwarder := forward.NewForwarder(store.Deliveries, store.Blocklist, store.Tenants, sender)

	recorder := bounce.NewRecorder(store.SentEmails, store.Routing, store.Tenants, store.Events, store.Blocklist)

	router := pipeline.NewRouter(
		store.Emails,
		store.Routing,
		store.Endpoints,
		store.Webhooks,
		store.Deliveries,
		thread.NewThreader(store.Threads, store.Emails, store.SentEmails),
		guard.NewEngine(store.Guard),
		feature.NewProvider(store.Features, rdb, cfg.Features.CacheTTL),
		deliverer,
		forwarder,
		recorder,
	)

	pool := worker.NewPool(cfg.Pool)
	pool.Start(ctx)

	if cfg.Sweeper.Enabled {
		lock := distlock.NewLock(rdb, db, "delivery-retry-sweep", 2*cfg.Sweeper.Interval)
		sweeper := worker.NewRetrySweeper(
			store.Deliveries, store.Emails, store.Endpoints, deliverer,
			lock, cfg.Sweeper.Interval, cfg.Sweeper.Batch,
		)
		go sweeper.Start(ctx)
	}

	if cfg.Spike.Enabled {
		detector := spike.NewDetector(store.SentEmails, store.Tenants, spike.NewSlackNotifier(cfg.Spike.SlackWebhookURL))
		go worker.NewSpikeSweep(store.SentEmails, detector, time.Hour).Start(ctx)
	}

	var raw api.RawFetcher
	if cfg.RawStore.Bucket != "" {
		rawStore, err := rawstore.New(ctx, cfg.RawStore)
		if err != nil {
			logger.Warn("raw store unavailable, serving attachments from database copies", "error", err.Error())
		} else {
			raw = rawStore
		}
	}

	handlers := api.NewHandlers(router, pool, store.Emails, raw, api.NewHealthChecker(db, rdb))
	server := api.NewServer(handlers)

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("inbound router listening", "addr", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server exited", "error", err.Error())
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err.Error())
	}
	cancel()
	pool.Stop()
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
