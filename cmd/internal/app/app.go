// Package app wires the Beacon server runtime: config, logging, the log store, the delivery
// pipeline and the HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"beacon/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the Beacon server runtime: it owns the store, the delivery pipeline and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	store  realtime.LogStore
	dbPool *pgxpool.Pool
	ready  readinessCheck

	promReg     *prometheus.Registry
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	relay       realtime.Relay

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(promReg)

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var relay realtime.Relay = realtime.LocalRelay{}
	if st.pool != nil {
		pgRelay, err := realtime.NewPostgresRelay(log, st.pool, st.store, metrics, realtime.WithRelayChannel(cfg.RelayChannel))
		if err != nil {
			st.close()
			return nil, err
		}
		relay = pgRelay
	}

	registry := realtime.NewRegistry(log, metrics)
	broadcaster := realtime.NewBroadcaster(log, st.store, registry, relay, metrics, realtime.BroadcasterConfig{
		GapTimeout: cfg.GapTimeout,
	})
	publisher := realtime.NewPublisher(log, st.store, broadcaster, metrics)
	replayer := realtime.NewReplayer(log, st.store, metrics)
	ws := realtime.NewWSGateway(log, registry, publisher, replayer, st.store, cfg.GatewayConfig())

	a := &App{
		cfg:         cfg,
		log:         log,
		store:       st.store,
		dbPool:      st.pool,
		ready:       st.ready,
		promReg:     promReg,
		registry:    registry,
		broadcaster: broadcaster,
		relay:       relay,
	}
	a.handler = newRouter(httpDeps{
		log:     log,
		cfg:     cfg,
		ready:   st.ready,
		ws:      ws,
		metrics: promReg,
	})
	return a, nil
}

// Handler returns the HTTP routes.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the delivery loops and blocks until context cancellation
// or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.close()
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.close()

	if err := a.broadcaster.Init(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("broadcaster init: %w", err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "store", a.cfg.storeKind(), "next_seq", a.broadcaster.NextSeq())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error { return a.broadcaster.Run(gctx) })

	g.Go(func() error { return a.relay.Listen(gctx, a.broadcaster.Deliver) })

	if a.cfg.WSRecoveryWindow > 0 {
		g.Go(func() error {
			t := time.NewTicker(a.cfg.WSRecoveryReap)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-t.C:
					if n := a.registry.ReapParked(now.UTC()); n > 0 {
						a.log.Debug("registry.reap", "expired", n)
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// openedStore is the selected log backend plus the resources the app owns for it.
type openedStore struct {
	store realtime.LogStore
	pool  *pgxpool.Pool // non-nil only for Postgres
	ready readinessCheck
}

func (s openedStore) close() {
	_ = s.store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

// newStore selects Postgres, SQLite or the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (openedStore, error) {
	switch cfg.storeKind() {
	case "postgres":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return openedStore{}, err
		}

		// Ownership model:
		// - app owns pool lifecycle
		// - PostgresStore.Close() is a no-op
		pg, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return openedStore{}, err
		}
		if cfg.DBAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				pool.Close()
				return openedStore{}, fmt.Errorf("ensure schema: %w", err)
			}
		}
		log.Info("store.postgres", "schema", pg.Schema(), "auto_migrate", cfg.DBAutoMigrate)
		return openedStore{
			store: pg,
			pool:  pool,
			ready: func(ctx context.Context) error {
				return PingDB(ctx, pool, 2*time.Second)
			},
		}, nil

	case "sqlite":
		sq, err := realtime.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return openedStore{}, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return openedStore{store: sq, ready: sq.Ping}, nil

	default:
		log.Warn("store.memory", "note", "messages are lost on restart")
		return openedStore{store: realtime.NewInMemoryStore()}, nil
	}
}
