package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/auth"
	"github.com/whisper/gateway/internal/cache"
	"github.com/whisper/gateway/internal/chat"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/config"
	"github.com/whisper/gateway/internal/gateway"
	"github.com/whisper/gateway/internal/logging"
	"github.com/whisper/gateway/internal/messaging"
	"github.com/whisper/gateway/internal/moderation"
	"github.com/whisper/gateway/internal/presence"
	"github.com/whisper/gateway/internal/ratelimit"
	"github.com/whisper/gateway/internal/store"
	"github.com/whisper/gateway/internal/unread"
	gws "github.com/whisper/gateway/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	format, err := codec.ParseFormat(cfg.DefaultWireFormat)
	if err != nil {
		return err
	}

	log.Info("whisper gateway starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("node", cfg.NodeName),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Stringer("wire_format", format))

	// --- Source of record ---
	db, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	seedCtx, seedCancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	created, err := store.SeedPublic(seedCtx, db, cfg.SeedChannels)
	seedCancel()
	if err != nil {
		return err
	}
	if len(created) > 0 {
		log.Info("seeded public conversations", zap.Strings("conversations", created))
	}

	// --- Redis (optional) ---
	var rdb *redis.Client
	var external cache.Backend
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Not fatal: the first failed cache operation switches to memory
			// and the recheck loop switches back once redis answers.
			log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		pingCancel()
		external = cache.NewRedis(rdb, cfg.RedisTrackKeys)
	}

	resilient := cache.NewResilient(external, cache.NewMemory(cfg.CacheMaxEntries), cache.ResilientConfig{
		OpTimeout:     cfg.CacheOpTimeout,
		RecheckInterval: cfg.CacheRecheckInterval,
	}, log)
	defer resilient.Close()
	go resilient.Run(ctx)

	counters := cache.NewCounters(resilient, cfg.CacheTTL, log)
	membership := cache.NewMembership(resilient, db, cfg.CacheTTL, log)

	// --- Credentials ---
	local := auth.NewMemoryLedger()
	go local.Run(ctx, time.Minute)
	var ledger auth.Ledger = local
	if rdb != nil {
		ledger = auth.NewFailoverLedger(local, auth.NewRedisLedger(rdb), log)
	}
	validator, err := auth.NewValidator(cfg.CredentialSecret, cfg.CredentialLeeway, cfg.NonceHorizon, ledger)
	if err != nil {
		return err
	}

	// --- Presence and rate limits ---
	var presenceClient redis.Cmdable
	var limiter chat.Limiter
	if rdb != nil {
		presenceClient = rdb
		limiter = ratelimit.NewLimiter(rdb, log)
	}
	tracker := presence.NewTracker(presenceClient, db, cfg.NodeName, log)

	// --- Connection layer ---
	registry := gateway.NewRegistry(tracker, cfg.StoreTimeout, log)
	broadcaster := gateway.NewBroadcaster(db, registry, cfg.StoreTimeout, log)

	// --- Cross-node relay (optional) ---
	var natsCheck gws.HealthCheck
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "gateway-" + cfg.NodeName
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()

		relay := messaging.NewRelay(nc, cfg.NodeName, log)
		if err := relay.OnDelivery(func(recipients []string, frame *codec.Frame) {
			broadcaster.DeliverLocal(recipients, frame)
		}); err != nil {
			return err
		}
		if err := relay.OnEviction(registry.EvictRemote); err != nil {
			return err
		}
		registry.SetRelay(relay)
		broadcaster.SetRelay(relay)
		defer func() {
			if err := nc.Flush(time.Second); err != nil {
				log.Debug("nats flush", zap.Error(err))
			}
		}()
		natsCheck = func(context.Context) error { return nc.Check() }
	}

	// --- Handlers ---
	dispatcher := gateway.NewDispatcher(cfg.HandlerTimeout, log)
	var filter *moderation.Filter
	if cfg.ContentFilter {
		filter = moderation.NewFilter(cfg.BlockedTerms)
	}
	service := chat.NewService(chat.Deps{
		Store:       db,
		Membership:  membership,
		Counters:    counters,
		Unread:      unread.NewEngine(db, counters, registry, log),
		Broadcaster: broadcaster,
		Presence:    tracker,
		Limiter:     limiter,
		Filter:      filter,
	}, log)
	service.Register(dispatcher)
	tracker.OnChange(service.OnPresenceChange)

	handshake := gateway.NewHandshake(gateway.HandshakeConfig{
		Timeout:      cfg.HandshakeTimeout,
		FailureGrace: cfg.AuthFailureGrace,
		StoreTimeout: cfg.StoreTimeout,
		Seal:         cfg.EncryptAuthPayload,
	}, validator, db, registry, log)
	gw := gateway.New(codec.DefaultChain(), handshake, dispatcher, registry, log)

	monitor := gateway.NewMonitor(gateway.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
		Idle:     cfg.IdleTimeout,
	}, registry, log)
	go monitor.Run(ctx)

	// --- Server ---
	server := gws.NewServer(gws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		DefaultFormat:  format,
	}, gw, log)
	server.AddHealthCheck("store", db.Ping)
	server.AddHealthCheck("cache", func(context.Context) error {
		if resilient.Degraded() {
			return errors.New("degraded: serving from memory")
		}
		return nil
	})
	if natsCheck != nil {
		server.AddHealthCheck("nats", natsCheck)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if err := broadcaster.Drain(shutdownCtx); err != nil {
		log.Warn("broadcasts still running at shutdown", zap.Error(err))
	}
	cancel()
	log.Info("gateway stopped")
	return nil
}

// openStore connects the configured source of record.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		log.Info("database migrations applied")
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := store.OpenPostgres(openCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}, nil
}
