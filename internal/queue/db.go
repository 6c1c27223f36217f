package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/SalmaAmgarou/invoice/internal/common"
)

// OpenDB opens the durable store behind the queue and ledger. The dialect
// follows the DSN: postgres URLs go through pgx, everything else is
// treated as a SQLite file (the default single-node deployment).
func OpenDB(cfg common.DatabaseConfig) (*bun.DB, error) {
	if isPostgres(cfg.DSN) {
		sqldb, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, common.NewAppError("DB_OPEN", "opening queue store", err)
		}
		sqldb.SetMaxOpenConns(cfg.MaxConns)
		sqldb.SetConnMaxLifetime(cfg.MaxConnLifetime)
		sqldb.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
		return bun.NewDB(sqldb, pgdialect.New()), nil
	}

	sqldb, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, common.NewAppError("DB_OPEN", "opening queue store", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent claims.
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// HealthCheck pings the store with a bounded deadline.
func HealthCheck(db *bun.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return common.NewAppError("DB_HEALTH", "queue store unreachable", common.ErrQueueUnavailable)
	}
	return nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
