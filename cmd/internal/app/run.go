package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"beacon/cmd/internal/realtime"
)

// Run is the serve entrypoint used by cmd/beacon.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Migrate applies the embedded schema to the configured durable store.
func Migrate(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	switch cfg.storeKind() {
	case "postgres":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		pg, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("migrate.done", "store", "postgres", "schema", pg.Schema())
		return nil

	case "sqlite":
		// Opening applies the schema.
		sq, err := realtime.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		log.Info("migrate.done", "store", "sqlite", "path", cfg.SQLitePath)
		return sq.Close()

	default:
		return errors.New("migrate: no durable store configured (set BEACON_DATABASE_URL or BEACON_SQLITE_PATH)")
	}
}
