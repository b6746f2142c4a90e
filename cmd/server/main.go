// Command server starts the engagement integrity API.
//
// Usage:
//
//	go run ./cmd/server [flags]
//
// Flags:
//
//	-config  Path to a YAML config file (default: ./config.yaml if present)
//	-seed    Path to a seed data JSON file to load on startup (default: data/seed.json)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mobilize/integrity-api/internal/api"
	"mobilize/integrity-api/internal/auth"
	"mobilize/integrity-api/internal/cache"
	"mobilize/integrity-api/internal/config"
	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/fraud"
	"mobilize/integrity-api/internal/ledger"
	"mobilize/integrity-api/internal/metrics"
	"mobilize/integrity-api/internal/notify"
	"mobilize/integrity-api/internal/ratelimit"
	"mobilize/integrity-api/internal/store"
	"mobilize/integrity-api/internal/tracking"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	seedFile := flag.String("seed", "data/seed.json", "path to seed data JSON file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := run(cfg, *seedFile); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// setupLogging installs the default logger: JSON in production, text
// elsewhere.
func setupLogging(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h).With("service", "integrity-api"))
}

func run(cfg config.Config, seedFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Wire dependencies ─────────────────────────────────────────────────────
	logger := slog.Default()
	m := metrics.NewCollector()

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	ttlStore, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer ttlStore.Close()

	publisher, closeSinks := buildPublisher(cfg.Notify, m)
	defer closeSinks()

	l := ledger.New(backend,
		ledger.WithPublisher(publisher),
		ledger.WithMetrics(m),
		ledger.WithLogger(logger.With("component", "ledger")),
	)
	engine := fraud.New(fraud.Config{
		Window:             cfg.Fraud.Window,
		MaxEventsPerWindow: cfg.Fraud.MaxEventsPerWindow,
		DuplicateThreshold: cfg.Fraud.DuplicateThreshold,
		SharedIPUsers:      cfg.Fraud.SharedIPUsers,
		BasePenalty:        cfg.Fraud.BasePenalty,
	}, backend, ratelimit.New(ttlStore), l, m, logger.With("component", "fraud"))
	recorder := tracking.New(backend, backend, ttlStore, engine,
		tracking.WithDedupTTL(cfg.Tracking.DedupTTL),
		tracking.WithOpTimeout(cfg.Tracking.OpTimeout),
		tracking.WithMetrics(m),
		tracking.WithLogger(logger.With("component", "tracking")),
	)

	handler := api.NewHandler(recorder, l, backend, backend, api.Options{
		CookieName:   cfg.Tracking.CookieName,
		CookieTTL:    cfg.Tracking.DedupTTL,
		SecureCookie: cfg.IsProduction(),
	})
	throttle := ratelimit.NewIPThrottle(cfg.Ingress.RequestsPerSecond, cfg.Ingress.Burst, 10*time.Minute)
	router := api.NewRouter(handler, api.RouterDeps{
		Issuer:   auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Throttle: throttle,
		Metrics:  m.Handler(),
	})

	// ── Load seed data ────────────────────────────────────────────────────────
	if err := loadSeedData(ctx, backend, l, seedFile); err != nil {
		// Non-fatal: the API works fine without seed data.
		slog.Warn("seed data not loaded", "file", seedFile, "reason", err.Error())
	}

	// ── Start HTTP server ─────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"cache", cfg.Cache.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		throttle.CleanupLoop(gctx.Done())
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown on SIGINT / SIGTERM.
		<-gctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(cfg config.StorageConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		s, err := store.OpenSQL(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}

func openCache(ctx context.Context, cfg config.Config) (cache.Store, error) {
	if cfg.Cache.Driver != "redis" {
		return cache.NewMemory(time.Minute), nil
	}
	r := cache.NewRedis(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
	}
	return r, nil
}

// buildPublisher fans flag notifications out to every configured sink. The
// returned func flushes and closes them.
func buildPublisher(cfg config.NotifyConfig, m *metrics.Collector) (notify.Publisher, func()) {
	var sinks notify.Fanout
	var closers []func()

	if len(cfg.WebhookURLs) > 0 {
		wh := notify.NewWebhook(cfg.WebhookURLs, m)
		sinks = append(sinks, wh)
		closers = append(closers, wh.Wait)
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := notify.NewKafka(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), m)
		sinks = append(sinks, k)
		closers = append(closers, func() {
			if err := k.Close(); err != nil {
				slog.Warn("kafka: close writer", "error", err)
			}
		})
	}
	slog.Info("flag notifications", "webhooks", len(cfg.WebhookURLs), "kafka_brokers", len(cfg.KafkaBrokers))

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

// seedData is the file format written by cmd/seed.
type seedData struct {
	Links []domain.TrackedLink `json:"links"`
	Users []string             `json:"users"`
}

// loadSeedData registers the links and users from a JSON file produced by
// cmd/seed, so a fresh in-memory instance has something to track against.
func loadSeedData(ctx context.Context, links store.LinkRegistry, l *ledger.Ledger, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	var seed seedData
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	var loaded, skipped int
	for i := range seed.Links {
		if err := links.SaveLink(ctx, &seed.Links[i]); err != nil {
			skipped++
		} else {
			loaded++
		}
	}
	for _, u := range seed.Users {
		if _, err := l.Register(ctx, u); err != nil {
			skipped++
		} else {
			loaded++
		}
	}

	slog.Info("seed data loaded", "file", filePath, "loaded", loaded, "skipped", skipped)
	return nil
}
