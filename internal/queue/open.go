package queue

import (
	"context"
	"io"
	"log/slog"

	"github.com/SalmaAmgarou/invoice/internal/common"
)

// Store bundles the two persistence contracts every backend satisfies.
type Store interface {
	Queue
	AttemptRecorder
}

// Open selects the queue backend from configuration: redis when
// REDIS_ADDR is set, the SQL store otherwise. The returned closer shuts
// down the underlying connection.
func Open(ctx context.Context, cfg *common.Config, log *slog.Logger) (Store, io.Closer, error) {
	if cfg.Redis.Addr != "" {
		q := NewRedisQueue(cfg.Redis, cfg.Worker.LeaseDuration, log)
		if err := q.Init(ctx); err != nil {
			return nil, nil, common.WrapError(err, "initializing redis queue")
		}
		return q, q, nil
	}

	db, err := OpenDB(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := HealthCheck(db, cfg.Database.DialTimeout); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store := NewSQLStore(db, log)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, common.WrapError(err, "initializing queue schema")
	}
	return store, db, nil
}
