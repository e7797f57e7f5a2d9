package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "longrunner/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.seq.snapshot.json    (periodic snapshot)
//   - <prefix>.seq.journal.jsonl    (append-only journal of puts and deletes)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	seqs         map[string]SequenceRecord

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string          `json:"op"`
	ID  string          `json:"id"`
	Rec *SequenceRecord `json:"rec,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "del"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".seq.snapshot.json"
	journalPath := prefix + ".seq.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	seqs := map[string]SequenceRecord{}
	if err := loadSnapshot(snapPath, seqs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("sequence snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, seqs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("sequence journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("sequences", len(seqs)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		seqs:         seqs,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutSequence(ctx context.Context, rec SequenceRecord) error {
	_ = ctx
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("sequence journal closed")
	}
	cur, found := s.seqs[rec.ID]
	if err := checkGeneration(rec, cur, found); err != nil {
		return err
	}
	stampRecord(&rec, cur.CreatedAt)
	rec = rec.clone()
	if err := s.appendLocked(journalRecord{Op: opPut, ID: rec.ID, Rec: &rec}); err != nil {
		return err
	}
	s.seqs[rec.ID] = rec
	return nil
}

func (s *fileStore) GetSequence(ctx context.Context, id string) (SequenceRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.seqs[id]
	if !ok {
		return SequenceRecord{}, ErrNotFound
	}
	return r.clone(), nil
}

func (s *fileStore) DeleteSequence(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seqs[id]; !ok {
		return nil
	}
	if s.journalFile == nil {
		return errors.New("sequence journal closed")
	}
	if err := s.appendLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
		return err
	}
	delete(s.seqs, id)
	return nil
}

func (s *fileStore) ListSequences(ctx context.Context, f SequenceFilter) ([]SequenceRecord, error) {
	_ = ctx
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

func (s *fileStore) PruneSequences(ctx context.Context, before time.Time, states []string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, errors.New("sequence journal closed")
	}
	n := 0
	for id, r := range s.seqs {
		if !pruneMatch(r, before, states) {
			continue
		}
		if err := s.appendLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
			return n, err
		}
		delete(s.seqs, id)
		n++
	}
	return n, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("sequence compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.seqs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]SequenceRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]SequenceRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]SequenceRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			// A torn final line after a crash is skipped.
			continue
		}
		switch r.Op {
		case opPut:
			if r.Rec != nil && r.Rec.ID != "" {
				out[r.Rec.ID] = *r.Rec
			}
		case opDelete:
			delete(out, r.ID)
		}
	}
	return s.Err()
}
