package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: sequence not found")
	// ErrConflict means another writer moved the sequence to a different
	// generation first.
	ErrConflict = errors.New("storage: generation conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only
//   - "file": jsonl journal + snapshot at Path
//   - "sqlite": SQLite database file at Path
//   - "redis": server at Redis.Addr
//   - "postgres": DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// SequenceRecord is the persisted form of one sequence.
// NextArgs and Progress are opaque JSON owned by the sequence layer.
type SequenceRecord struct {
	ID              string          `json:"id"`
	Action          string          `json:"action"`
	State           string          `json:"state"`
	Generation      int64           `json:"generation"`
	NextArgs        json.RawMessage `json:"next_args,omitempty"`
	Progress        json.RawMessage `json:"progress,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
	AutoResume      bool            `json:"auto_resume,omitempty"`
	ResumeAfter     time.Time       `json:"resume_after,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (r SequenceRecord) clone() SequenceRecord {
	cp := r
	cp.NextArgs = append(json.RawMessage(nil), r.NextArgs...)
	cp.Progress = append(json.RawMessage(nil), r.Progress...)
	return cp
}

// SequenceFilter selects records in ListSequences. Zero fields match everything.
type SequenceFilter struct {
	States []string
	Action string
	// ResumeBefore keeps only auto-resume records due at or before it.
	ResumeBefore time.Time
	// UpdatedBefore keeps only records last written before it.
	UpdatedBefore time.Time
	Limit         int
}

func (f SequenceFilter) match(r SequenceRecord) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if !f.ResumeBefore.IsZero() && (!r.AutoResume || r.ResumeAfter.After(f.ResumeBefore)) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// AuditEntry records one operation on a sequence.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	Sequence  string
	Action    string
	Operation string
	State     string
	Slices    int
	OK        int
	Fail      int
	Error     string
	TookMS    int64
}

func validateRecord(r SequenceRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("storage: sequence id is required")
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("storage: sequence %s has no action", r.ID)
	}
	if r.Generation < 1 {
		return fmt.Errorf("storage: sequence %s has generation %d", r.ID, r.Generation)
	}
	return nil
}

// checkGeneration applies the write rule against the currently stored record.
func checkGeneration(next SequenceRecord, cur SequenceRecord, found bool) error {
	if !found {
		if next.Generation != 1 {
			return fmt.Errorf("%w: %s gen %d has no predecessor", ErrConflict, next.ID, next.Generation)
		}
		return nil
	}
	if cur.Generation != next.Generation-1 {
		return fmt.Errorf("%w: %s stored gen %d, write gen %d", ErrConflict, next.ID, cur.Generation, next.Generation)
	}
	return nil
}

func stampRecord(r *SequenceRecord, prevCreated time.Time) {
	now := time.Now().UTC()
	if !prevCreated.IsZero() {
		r.CreatedAt = prevCreated
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
}

func sortRecords(out []SequenceRecord) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
}

func limitRecords(out []SequenceRecord, limit int) []SequenceRecord {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}

func pruneMatch(r SequenceRecord, before time.Time, states []string) bool {
	if !r.UpdatedAt.Before(before) {
		return false
	}
	return len(states) == 0 || slices.Contains(states, r.State)
}
