package longrunner

import "encoding/json"

// State is the lifecycle position of a sequence:
//
//	Idle -> Running -> {Completed, Paused, Failed}
//
// Paused re-enters Running on resume. Completed and Failed are terminal.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StatePaused    State = "paused"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StateCompleted, StatePaused, StateFailed:
		return true
	default:
		return false
	}
}

// Checkpoint is everything needed to resume a paused sequence.
type Checkpoint struct {
	SequenceID      string   `json:"sequence_id"`
	Action          string   `json:"action"`
	Next            NextArgs `json:"next"`
	Progress        Progress `json:"progress"`
	Generation      int64    `json:"generation"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
}

// Validate checks the parts of a checkpoint the Runner relies on.
func (c Checkpoint) Validate() error {
	if c.SequenceID == "" {
		return InvalidContinuation("checkpoint has no sequence id")
	}
	if c.Action == "" {
		return InvalidContinuation("checkpoint %s has no action", c.SequenceID)
	}
	if c.Next.IsZero() {
		return InvalidContinuation("checkpoint %s has no next args", c.SequenceID)
	}
	if c.Generation < 1 {
		return InvalidContinuation("checkpoint %s has generation %d", c.SequenceID, c.Generation)
	}
	return nil
}

// MarshalCheckpoint encodes c for storage.
func MarshalCheckpoint(c Checkpoint) ([]byte, error) { return json.Marshal(c) }

// UnmarshalCheckpoint decodes and validates a stored checkpoint.
func UnmarshalCheckpoint(b []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(b, &c); err != nil {
		return Checkpoint{}, InvalidContinuation("decode checkpoint: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

// RunResult is what a Run or Resume call hands back.
type RunResult struct {
	SequenceID string `json:"sequence_id"`
	Action     string `json:"action"`
	State      State  `json:"state"`
	// Result is the value passed to Complete.
	Result any `json:"result,omitempty"`
	// Checkpoint is set only when State is Paused.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Progress   Progress    `json:"progress"`
	// SlicesRun counts slices executed by this call only.
	SlicesRun int `json:"slices_run"`
	// Err is the SliceError that stopped a Failed run, or ErrBudgetExceeded /
	// the context error for a Paused one.
	Err error `json:"-"`
}
