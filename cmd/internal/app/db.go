package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatcache/cmd/internal/store"
)

// NewDBPool builds a pgxpool from cfg and validates connectivity.
// Tables are created by store.PostgresStore.ApplySchema, not here.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// openPostgresStore connects, applies the cache schema and returns the store
// with the pool that backs it. The caller owns the pool.
func openPostgresStore(ctx context.Context, cfg Config) (*pgxpool.Pool, *store.PostgresStore, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.ApplySchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, st, nil
}
