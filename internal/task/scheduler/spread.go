package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first trigger of base to first.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// spreadInterval returns an every-d schedule whose first run lands on a whole
// second somewhere in [now+d, now+d+min(d, 30s)]. cron.Every drops sub-second
// parts of the previous run, so a fractional first run would shorten the gap
// to the second one.
func spreadInterval(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(window))).Truncate(time.Second)
	first := now.Add(every + jitter)
	if first.Nanosecond() != 0 {
		first = first.Truncate(time.Second).Add(time.Second)
	}
	return &spreadSchedule{base: base, first: first}, jitter
}
