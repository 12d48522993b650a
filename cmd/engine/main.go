package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog/boltstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog/memstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog/pgstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/cache"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/handler"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/rpc"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/ratelimit"
	pkgredis "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting catalog engine", "port", cfg.Server.Port, "backend", cfg.Catalog.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to open catalog backend", "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port)
		if err != nil {
			slog.Warn("metrics server disabled", "error", err)
		} else {
			defer shutdownMetrics(context.Background())
		}
	}

	deps := engine.Deps{
		Store:   store,
		History: store,
		LockTTL: cfg.Redis.LockTTL,
		Metrics: m,
	}
	engineCfg := cfg.Engine
	if engineCfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			engineCfg.InstanceID = host + "-" + fmt.Sprint(os.Getpid())
		}
	}

	var resultCache *cache.ResultCache
	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, result caching and shared admission locks disabled", "error", err)
		} else {
			defer redisClient.Close()
			resultCache = cache.New(redisClient, cfg.Redis, engineCfg.InstanceID)
			deps.Cache = resultCache
			deps.Locker = redisClient
			slog.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var publisher *events.Publisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CatalogChanges)
		defer producer.Close()
		publisher = events.NewPublisher(producer, engineCfg.InstanceID, 0, 0, m)
		deps.Publisher = publisher
	}

	eng, err := engine.New(engineCfg, deps)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if publisher != nil {
		publisher.Start(ctx)
		defer publisher.Close()
		slog.Info("catalog change publisher started", "topic", cfg.Kafka.Topics.CatalogChanges)
	}

	eng.Start(ctx)
	defer eng.Close()

	if cfg.Kafka.Enabled {
		consumers := []*kafka.Consumer{
			kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CatalogChanges, events.HandleCatalogChange(eng, eng.InstanceID())),
			kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Transactions, events.HandleTransaction(eng)),
		}
		for _, c := range consumers {
			go func() {
				if err := c.Start(ctx); err != nil {
					slog.Error("event consumer stopped", "error", err)
				}
			}()
		}
		slog.Info("event consumers started",
			"catalog_topic", cfg.Kafka.Topics.CatalogChanges,
			"transactions_topic", cfg.Kafka.Topics.Transactions,
		)
	}

	checker := health.NewChecker()
	checker.Register("catalog", health.Ping(eng.Ping))
	checker.Register("structures", health.Structures(eng.Built, eng.Degraded))
	if cfg.Redis.Enabled {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if redisClient == nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: "not connected"}
			}
			return health.Optional(redisClient.Ping)(ctx)
		})
	}

	if cfg.RPC.Enabled {
		rpcServer := grpc.NewServer(grpc.WithCallTimeout(cfg.RPC.CallTimeout))
		rpc.Register(rpcServer, eng, cfg.Engine.DefaultTolerance)
		go func() {
			if err := rpcServer.Serve(cfg.RPC.Addr); err != nil {
				slog.Error("rpc server error", "error", err)
			}
		}()
		defer rpcServer.Stop()
		slog.Info("rpc server listening", "addr", cfg.RPC.Addr, "methods", rpcServer.MethodCount())
	}

	h := handler.New(eng, resultCache, cfg.Engine.DefaultTolerance)
	if cfg.Server.AdmitRateLimit > 0 {
		h.LimitAdmissions(ratelimit.New(ctx, cfg.Server.AdmitRateLimit, cfg.Server.AdmitRateWindow))
		slog.Info("admission rate limit enabled", "limit", cfg.Server.AdmitRateLimit, "window", cfg.Server.AdmitRateWindow)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("catalog engine listening", "addr", server.Addr, "instance", eng.InstanceID())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	stop()

	slog.Info("catalog engine stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openBackend(ctx context.Context, cfg *config.Config) (catalog.Backend, io.Closer, error) {
	switch cfg.Catalog.Backend {
	case "bolt":
		s, err := boltstore.Open(cfg.Catalog.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("bolt catalog opened", "path", cfg.Catalog.BoltPath)
		return s, s, nil
	case "postgres":
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		s := pgstore.New(db)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensuring schema: %w", err)
		}
		slog.Info("postgres catalog connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return s, s, nil
	default:
		slog.Warn("using in-memory catalog, entries are lost on restart")
		return memstore.New(), nopCloser{}, nil
	}
}
