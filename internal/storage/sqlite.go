package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "longrunner/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount      atomic.Uint64
	vacuumEvery  uint64
	vacuumCutoff time.Duration
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, vacuumEvery: 1000, vacuumCutoff: 30 * 24 * time.Hour}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSequence(ctx context.Context, rec SequenceRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	stampRecord(&rec, time.Time{})

	var (
		res sql.Result
		err error
	)
	if rec.Generation == 1 {
		res, err = s.db.ExecContext(ctx, insertSequenceSQL(questionMarks), insertArgs(rec)...)
	} else {
		res, err = s.db.ExecContext(ctx, updateSequenceSQL(questionMarks), updateArgs(rec)...)
	}
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s gen %d", ErrConflict, rec.ID, rec.Generation)
	}
	return nil
}

func (s *sqliteStore) GetSequence(ctx context.Context, id string) (SequenceRecord, error) {
	if s == nil || s.db == nil {
		return SequenceRecord{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+sequenceColumns+" FROM sequences WHERE id = ?", id)
	r, err := scanSequence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SequenceRecord{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) DeleteSequence(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sequences WHERE id = ?", id)
	return err
}

func (s *sqliteStore) ListSequences(ctx context.Context, f SequenceFilter) ([]SequenceRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q, args := listSequencesSQL(f, questionMarks)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
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

func (s *sqliteStore) PruneSequences(ctx context.Context, before time.Time, states []string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	q, args := pruneSequencesSQL(before, states, questionMarks)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, insertAuditSQL(questionMarks), auditArgs(e)...)
	if err == nil && s.opCount.Add(1)%s.vacuumEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneAudit(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// pruneAudit keeps the audit table bounded to vacuumCutoff of history.
func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	cutoff := time.Now().Add(-s.vacuumCutoff).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff)
	return err
}
