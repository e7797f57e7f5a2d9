package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "longrunner/pkg/logx"
)

// Store is the persistence API used by the sequences service.
type Store interface {
	// PutSequence writes rec if the stored generation is rec.Generation-1.
	PutSequence(ctx context.Context, rec SequenceRecord) error
	GetSequence(ctx context.Context, id string) (SequenceRecord, error)
	// DeleteSequence removes id. Deleting a missing record is not an error.
	DeleteSequence(ctx context.Context, id string) error
	ListSequences(ctx context.Context, f SequenceFilter) ([]SequenceRecord, error)
	// PruneSequences deletes records in states (any state if empty) last
	// updated before the cutoff and returns how many went.
	PruneSequences(ctx context.Context, before time.Time, states []string) (int, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
