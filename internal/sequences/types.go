package sequences

import (
	"errors"
	"time"

	"longrunner/internal/longrunner"
)

var (
	ErrUnknownAction = errors.New("sequences: unknown action")
	ErrNotFound      = errors.New("sequences: sequence not found")
	// ErrBusy means the sequence is being run by another caller right now.
	ErrBusy      = errors.New("sequences: sequence is running")
	ErrNoCodec   = errors.New("sequences: callback tokens are not configured")
	ErrNoEngine  = errors.New("sequences: job engine is not configured")
	ErrDuplicate = errors.New("sequences: sequence id already exists")
)

// Event types published on the bus. Data is a Report.
const (
	EventStarted   = "sequence.started"
	EventResumed   = "sequence.resumed"
	EventPaused    = "sequence.paused"
	EventCompleted = "sequence.completed"
	EventFailed    = "sequence.failed"
	EventCancelled = "sequence.cancelled"
	EventRecovered = "sequence.recovered"
)

const jobResume = "sequence.resume"

// stateCancelled marks a record Cancel has claimed but not yet deleted.
// Nothing resumes it and Purge drops any that are left behind.
const stateCancelled = "cancelled"

type Config struct {
	// DefaultBudget applies when a call does not pass its own.
	DefaultBudget   longrunner.Budget
	ContinueOnError bool

	// ResumeDelay is how long an auto-resume sequence waits after pausing.
	ResumeDelay time.Duration
	// RunningLease is how long a "running" record may go without an update
	// before RecoverStale hands it back as paused.
	RunningLease time.Duration

	// ResumeRate limits how many resumes per second ResumeDue enqueues.
	ResumeRate  float64
	ResumeBurst int
	ResumeBatch int

	JobTimeout time.Duration

	// PausedTTL and FinishedTTL bound how long Purge keeps records.
	// Zero keeps them forever.
	PausedTTL   time.Duration
	FinishedTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunningLease <= 0 {
		c.RunningLease = 15 * time.Minute
	}
	if c.ResumeRate <= 0 {
		c.ResumeRate = 10
	}
	if c.ResumeBurst <= 0 {
		c.ResumeBurst = 1
	}
	if c.ResumeBatch <= 0 {
		c.ResumeBatch = 100
	}
	return c
}

// StartOptions tune a new sequence. Nil pointers take the service defaults.
type StartOptions struct {
	ID              string
	Budget          *longrunner.Budget
	ContinueOnError *bool
	// AutoResume lets ResumeDue pick the sequence up after ResumeDelay.
	AutoResume bool
}

// Report is what callers and event subscribers see of a sequence.
type Report struct {
	SequenceID  string              `json:"sequence_id"`
	Action      string              `json:"action"`
	State       longrunner.State    `json:"state"`
	Generation  int64               `json:"generation"`
	Progress    longrunner.Progress `json:"progress"`
	Result      any                 `json:"result,omitempty"`
	SlicesRun   int                 `json:"slices_run,omitempty"`
	Token       string              `json:"token,omitempty"`
	AutoResume  bool                `json:"auto_resume,omitempty"`
	ResumeAfter time.Time           `json:"resume_after,omitempty"`
	Error       string              `json:"error,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PartitionKey keys forwarded events by sequence so consumers see one
// sequence's events in order.
func (r Report) PartitionKey() string { return r.SequenceID }
