package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// dbDialPingTimeout bounds the connectivity check performed before the
// daemon starts serving.
const dbDialPingTimeout = 3 * time.Second

// NewDBPool opens the pgx pool for cfg.DatabaseURL and verifies it answers a
// ping before returning. It never touches schema; migrations are managed
// outside the daemon.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("app: database url is empty")
	}

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
	if err := PingDB(ctx, pool, dbDialPingTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingDB round-trips the database within timeout. Used at startup and by the
// readiness probe.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
