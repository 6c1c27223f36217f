// Package ledger is the reference receiver for delivered envelopes: a
// durable store keyed solely by task identifier, written through a single
// atomic upsert so repeated deliveries collapse to one logical effect.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/SalmaAmgarou/invoice/internal/common"
)

type entryRecord struct {
	bun.BaseModel `bun:"table:ledger_entries,alias:le"`

	TaskID             string    `bun:"task_id,pk"`
	Outcome            string    `bun:"outcome,notnull"`
	Body               []byte    `bun:"body,notnull"`
	NonAnonymousSHA256 string    `bun:"non_anonymous_sha256"`
	AnonymousSHA256    string    `bun:"anonymous_sha256"`
	NonAnonymousSize   int       `bun:"non_anonymous_size"`
	AnonymousSize      int       `bun:"anonymous_size"`
	ExternalRef        string    `bun:"external_ref"`
	ReceivedAt         time.Time `bun:"received_at,notnull"`
}

// Entry is one ledger row: the latest envelope delivered for a task.
type Entry struct {
	TaskID             string
	Outcome            string
	Body               []byte
	NonAnonymousSHA256 string
	AnonymousSHA256    string
	NonAnonymousSize   int
	AnonymousSize      int
	ExternalRef        string
	ReceivedAt         time.Time
}

// Store performs the idempotent upsert. After any number of deliveries the
// row reflects exactly the last envelope delivered, never a partial merge.
type Store struct {
	db  *bun.DB
	log *slog.Logger

	now func() time.Time
}

func NewStore(db *bun.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Init creates the schema when absent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*entryRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return common.WrapError(err, "create ledger_entries table")
	}
	return nil
}

// Upsert writes the delivered envelope under its task identifier:
// insert-if-absent, else overwrite-with-latest, in one statement. The 2xx
// response to the sender must not be written before this commits.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	rec := &entryRecord{
		TaskID:             e.TaskID,
		Outcome:            e.Outcome,
		Body:               e.Body,
		NonAnonymousSHA256: e.NonAnonymousSHA256,
		AnonymousSHA256:    e.AnonymousSHA256,
		NonAnonymousSize:   e.NonAnonymousSize,
		AnonymousSize:      e.AnonymousSize,
		ExternalRef:        e.ExternalRef,
		ReceivedAt:         s.now(),
	}
	_, err := s.db.NewInsert().Model(rec).
		On("CONFLICT (task_id) DO UPDATE").
		Set("outcome = EXCLUDED.outcome").
		Set("body = EXCLUDED.body").
		Set("non_anonymous_sha256 = EXCLUDED.non_anonymous_sha256").
		Set("anonymous_sha256 = EXCLUDED.anonymous_sha256").
		Set("non_anonymous_size = EXCLUDED.non_anonymous_size").
		Set("anonymous_size = EXCLUDED.anonymous_size").
		Set("external_ref = EXCLUDED.external_ref").
		Set("received_at = EXCLUDED.received_at").
		Exec(ctx)
	if err != nil {
		return common.NewAppError("LEDGER_UPSERT", "committing ledger entry", err)
	}
	s.log.Info("ledger.upsert.ok", "task_id", e.TaskID, "outcome", e.Outcome)
	return nil
}

// Get fetches the ledger entry for a task.
func (s *Store) Get(ctx context.Context, taskID string) (*Entry, error) {
	rec := new(entryRecord)
	err := s.db.NewSelect().Model(rec).
		Where("?TableAlias.task_id = ?", taskID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewAppError("LEDGER_GET", "entry not found", common.ErrNotFound)
		}
		return nil, common.NewAppError("LEDGER_GET", "fetching entry", err)
	}
	return &Entry{
		TaskID:             rec.TaskID,
		Outcome:            rec.Outcome,
		Body:               rec.Body,
		NonAnonymousSHA256: rec.NonAnonymousSHA256,
		AnonymousSHA256:    rec.AnonymousSHA256,
		NonAnonymousSize:   rec.NonAnonymousSize,
		AnonymousSize:      rec.AnonymousSize,
		ExternalRef:        rec.ExternalRef,
		ReceivedAt:         rec.ReceivedAt,
	}, nil
}
