package longrunner

import "time"

// Budget bounds how much work a single Run or Resume call performs before it
// pauses. Zero fields mean "no limit".
type Budget struct {
	MaxSlices   int           `json:"max_slices,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
}

// Unlimited runs the sequence to completion or failure in one call.
func Unlimited() Budget { return Budget{} }

// OneSlice pauses after every slice that asks to continue.
func OneSlice() Budget { return Budget{MaxSlices: 1} }

// Slices pauses after n slices.
func Slices(n int) Budget { return Budget{MaxSlices: n} }

// Timed pauses once d of wall time has been spent.
func Timed(d time.Duration) Budget { return Budget{MaxDuration: d} }

func (b Budget) IsUnlimited() bool { return b.MaxSlices <= 0 && b.MaxDuration <= 0 }

func (b Budget) exhausted(slices int, elapsed time.Duration) bool {
	if b.MaxSlices > 0 && slices >= b.MaxSlices {
		return true
	}
	if b.MaxDuration > 0 && elapsed >= b.MaxDuration {
		return true
	}
	return false
}
