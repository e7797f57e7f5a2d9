package longrunner

import "time"

// Slice collects what happened during one Action invocation.
//
// The Action writes to it; the Runner folds it into the sequence's Tracker
// once the invocation returns, so the Tracker never changes mid-slice.
type Slice struct {
	number          int
	deadline        time.Time
	now             func() time.Time
	continueOnError bool

	succeeded  int
	successIDs []string
	failures   []SliceError
	total      int
	totalSet   bool
}

func newSlice(number int, deadline time.Time, now func() time.Time, continueOnError bool) *Slice {
	if now == nil {
		now = time.Now
	}
	return &Slice{number: number, deadline: deadline, now: now, continueOnError: continueOnError}
}

// Number is the 1-based position of this slice within its sequence.
func (s *Slice) Number() int { return s.number }

// Succeeded records one successfully processed item. id may be empty.
func (s *Slice) Succeeded(id string) {
	s.succeeded++
	if id != "" {
		s.successIDs = append(s.successIDs, id)
	}
}

// Failed records a failed item and reports whether the sequence tolerates it.
// When it returns false the sequence will stop after this slice, so the Action
// should return promptly without touching further items.
func (s *Slice) Failed(id string, err error) bool {
	s.failures = append(s.failures, newSliceError(KindItem, id, s.number, s.now(), err))
	return s.continueOnError
}

// SetTotal records how many items the whole sequence is expected to process.
func (s *Slice) SetTotal(n int) {
	if n < 0 {
		n = 0
	}
	s.total = n
	s.totalSet = true
}

// Deadline returns the wall-clock limit of the current run, if it has one.
func (s *Slice) Deadline() (time.Time, bool) {
	return s.deadline, !s.deadline.IsZero()
}

// Exhausted reports whether the current run's time budget is used up.
// Time-bounded actions check it between items and yield with Continue.
func (s *Slice) Exhausted() bool {
	if s.deadline.IsZero() {
		return false
	}
	return !s.now().Before(s.deadline)
}

func (s *Slice) hasFailures() bool { return len(s.failures) > 0 }
