package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	seqs  map[string]SequenceRecord
	audit []AuditEntry
}

func NewMemory() *MemoryStore {
	return &MemoryStore{seqs: map[string]SequenceRecord{}}
}

func (s *MemoryStore) PutSequence(ctx context.Context, rec SequenceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found := s.seqs[rec.ID]
	if err := checkGeneration(rec, cur, found); err != nil {
		return err
	}
	stampRecord(&rec, cur.CreatedAt)
	s.seqs[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) GetSequence(ctx context.Context, id string) (SequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.seqs[id]
	if !ok {
		return SequenceRecord{}, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) DeleteSequence(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.seqs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListSequences(ctx context.Context, f SequenceFilter) ([]SequenceRecord, error) {
	s.mu.Lock()
	out := make([]SequenceRecord, 0, len(s.seqs))
	for _, r := range s.seqs {
		if f.match(r) {
			out = append(out, r.clone())
		}
	}
	s.mu.Unlock()
	sortRecords(out)
	return limitRecords(out, f.Limit), nil
}

func (s *MemoryStore) PruneSequences(ctx context.Context, before time.Time, states []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.seqs {
		if pruneMatch(r, before, states) {
			delete(s.seqs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

// Audit returns a copy of every entry appended so far.
func (s *MemoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *MemoryStore) Close() error { return nil }
