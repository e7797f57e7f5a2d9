package longrunner

import "time"

// Progress is a point-in-time view of a sequence's Tracker.
// It is plain data and JSON-serializable so it can travel with a Checkpoint.
type Progress struct {
	// Total is the expected number of items, 0 when the action never said.
	Total      int           `json:"total,omitempty"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	SuccessIDs []string      `json:"success_ids,omitempty"`
	FailedIDs  []string      `json:"failed_ids,omitempty"`
	Errors     []SliceError  `json:"errors,omitempty"`
	Slices     int           `json:"slices"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Processed is successes plus recorded errors.
func (p Progress) Processed() int { return p.Succeeded + p.Failed }

// Remaining is Total minus Processed when Total is known, otherwise -1.
func (p Progress) Remaining() int {
	if p.Total <= 0 {
		return -1
	}
	r := p.Total - p.Processed()
	if r < 0 {
		return 0
	}
	return r
}

func (p Progress) clone() Progress {
	cp := p
	cp.SuccessIDs = append([]string(nil), p.SuccessIDs...)
	cp.FailedIDs = append([]string(nil), p.FailedIDs...)
	cp.Errors = append([]SliceError(nil), p.Errors...)
	return cp
}

// Tracker accumulates the outcome of every slice in one sequence.
// Counters only grow and lists only get appended to.
type Tracker struct {
	p Progress
}

func NewTracker() *Tracker { return &Tracker{} }

// RestoreTracker continues tracking from a saved Progress.
func RestoreTracker(p Progress) *Tracker { return &Tracker{p: p.clone()} }

// Snapshot returns a copy that is safe to keep after the Tracker moves on.
func (t *Tracker) Snapshot() Progress { return t.p.clone() }

func (t *Tracker) merge(s *Slice, took time.Duration) {
	t.p.Slices++
	if took > 0 {
		t.p.Elapsed += took
	}
	if s.totalSet {
		t.p.Total = s.total
	}
	t.p.Succeeded += s.succeeded
	t.p.SuccessIDs = append(t.p.SuccessIDs, s.successIDs...)
	for _, f := range s.failures {
		t.recordError(f)
	}
}

func (t *Tracker) recordError(e SliceError) {
	t.p.Failed++
	if e.ItemID != "" {
		t.p.FailedIDs = append(t.p.FailedIDs, e.ItemID)
	}
	t.p.Errors = append(t.p.Errors, e)
}
