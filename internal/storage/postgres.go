package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "longrunner/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sequences (
    id                TEXT PRIMARY KEY,
    action            TEXT NOT NULL,
    state             TEXT NOT NULL,
    generation        BIGINT NOT NULL,
    next_args         TEXT,
    progress          TEXT,
    continue_on_error BOOLEAN NOT NULL DEFAULT FALSE,
    auto_resume       BOOLEAN NOT NULL DEFAULT FALSE,
    resume_after      BIGINT NOT NULL DEFAULT 0,
    last_error        TEXT,
    created_at        BIGINT NOT NULL,
    updated_at        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS sequences_state_updated ON sequences(state, updated_at);
CREATE INDEX IF NOT EXISTS sequences_resume ON sequences(auto_resume, resume_after);
CREATE TABLE IF NOT EXISTS audit (
    id        BIGSERIAL PRIMARY KEY,
    at        TEXT NOT NULL,
    sequence  TEXT,
    action    TEXT,
    operation TEXT NOT NULL,
    state     TEXT,
    slices    INTEGER NOT NULL DEFAULT 0,
    ok        INTEGER NOT NULL DEFAULT 0,
    fail      INTEGER NOT NULL DEFAULT 0,
    err       TEXT,
    took_ms   BIGINT NOT NULL DEFAULT 0
);`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) PutSequence(ctx context.Context, rec SequenceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	stampRecord(&rec, time.Time{})

	var (
		q    string
		args []any
	)
	if rec.Generation == 1 {
		q, args = insertSequenceSQL(dollarN), insertArgs(rec)
	} else {
		q, args = updateSequenceSQL(dollarN), updateArgs(rec)
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s gen %d", ErrConflict, rec.ID, rec.Generation)
	}
	return nil
}

func (s *postgresStore) GetSequence(ctx context.Context, id string) (SequenceRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sequenceColumns+" FROM sequences WHERE id = $1", id)
	r, err := scanSequence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SequenceRecord{}, ErrNotFound
	}
	if err != nil {
		return SequenceRecord{}, fmt.Errorf("postgres get %s: %w", id, err)
	}
	return r, nil
}

func (s *postgresStore) DeleteSequence(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sequences WHERE id = $1", id)
	return err
}

func (s *postgresStore) ListSequences(ctx context.Context, f SequenceFilter) ([]SequenceRecord, error) {
	q, args := listSequencesSQL(f, dollarN)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	defer rows.Close()
	var out []SequenceRecord
	for rows.Next() {
		r, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneSequences(ctx context.Context, before time.Time, states []string) (int, error) {
	q, args := pruneSequencesSQL(before, states, dollarN)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, insertAuditSQL(dollarN), auditArgs(e)...)
	return err
}
