// Package app wires the Beam worker runtime: config, logging, HTTP routes,
// storage, the cross-process relay, and the websocket gateway.
//
// One process == one worker. The process-topology collaborator (systemd,
// container orchestrator, a forking supervisor) starts one worker per core
// with a distinct BEAM_HTTP_ADDR; the shared store and the relay are what
// make the workers behave as one logical broadcast domain.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"beam/cmd/internal/broadcast"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the Beam worker runtime.
type App struct {
	cfg Config
	log Logger

	store  broadcast.MessageStore
	dbPool *pgxpool.Pool // nil unless the postgres store is selected

	relayClient *redis.Client // nil unless the redis relay is selected
	fanout      *broadcast.Broadcaster

	ws *broadcast.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, dbPool, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	relay, relayClient, err := newRelay(cfg, log)
	if err != nil {
		store.Close()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	fanout, err := broadcast.NewBroadcaster(log, relay, cfg.RelayChannel)
	if err != nil {
		store.Close()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	ingest := broadcast.NewIngestor(log, store, fanout)
	resolver := broadcast.NewResolver(log, store)
	ws := broadcast.NewWSGateway(log, ingest, fanout, resolver)

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		dbPool:      dbPool,
		relayClient: relayClient,
		fanout:      fanout,
		ws:          ws,
	}, nil
}

// Run starts the relay subscription and the HTTP server, then blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.fanout.Start(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.StoreDriver,
		"relay", relayKind(a.cfg),
		"node_id", a.fanout.NodeID(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if err := a.fanout.Close(); err != nil {
		a.log.Error("relay.close.fail", "err", err)
	}
	if a.relayClient != nil {
		if err := a.relayClient.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newStore selects the MessageStore backend.
//
// Ownership model: when postgres is selected, App owns the pool lifecycle
// and PostgresStore.Close() is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (broadcast.MessageStore, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case StoreDriverSQLite, "":
		st, err := broadcast.NewSQLiteStore(broadcast.SQLiteConfig{
			Path:        cfg.SQLitePath,
			BusyTimeout: cfg.SQLiteBusyTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return st, nil, nil

	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("app: BEAM_DATABASE_URL is required for the postgres store")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := broadcast.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres")
		return st, pool, nil

	case StoreDriverMemory:
		log.Info("store.memory.volatile")
		return broadcast.NewInMemoryStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}
}

// newRelay selects the cross-process relay. Without Redis the worker is on
// its own: correct for a single process, wrong for a multi-worker topology.
func newRelay(cfg Config, log Logger) (broadcast.Relay, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		log.Info("relay.memory.single_worker")
		return broadcast.NewMemoryRelay(), nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	relay, err := broadcast.NewRedisRelay(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Info("relay.redis", "addr", cfg.RedisAddr)
	return relay, client, nil
}

func relayKind(cfg Config) string {
	if cfg.RedisAddr == "" {
		return "memory"
	}
	return "redis"
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
