package actions

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"longrunner/internal/longrunner"
)

const RecountName = "discussions.recount"

// CounterStore is the slice of the discussion model Recount needs.
type CounterStore interface {
	// DiscussionsAfter returns up to limit discussion keys greater than after,
	// in ascending order.
	DiscussionsAfter(ctx context.Context, after int64, limit int) ([]int64, error)
	CountComments(ctx context.Context, discussion int64) (int, error)
	SetCommentCount(ctx context.Context, discussion int64, n int) error
}

// RangeCounter is optionally implemented by a CounterStore that can size a
// key range up front. Recount uses it to report a total.
type RangeCounter interface {
	// CountDiscussions counts keys in (after, through]; through <= 0 is unbounded.
	CountDiscussions(ctx context.Context, after, through int64) (int, error)
}

// RecountResult is what a completed Recount hands back.
type RecountResult struct {
	LastKey int64 `json:"last_key"`
}

// Recount recalculates the cached comment count of every discussion with a
// key in (after, through]. through <= 0 means no upper bound.
//
// Arguments: [after int64, through int64]. The first argument is the last
// key processed and doubles as the cursor.
type Recount struct {
	store CounterStore
	size  int
}

func NewRecount(store CounterStore, sliceSize int) *Recount {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return &Recount{store: store, size: sliceSize}
}

func RecountArgs(after, through int64) (longrunner.Args, error) {
	return longrunner.EncodeArgs(after, through)
}

func (r *Recount) Name() string { return RecountName }

func (r *Recount) Run(ctx context.Context, args longrunner.Args, s *longrunner.Slice) longrunner.Outcome {
	var after, through int64
	if err := args.DecodeAll(&after, &through); err != nil {
		return longrunner.Fail(longrunner.KindSlice, err)
	}
	if after < 0 {
		return longrunner.Fail(longrunner.KindSlice, longrunner.InvalidContinuation("negative cursor %d", after))
	}
	keys, err := r.store.DiscussionsAfter(ctx, after, r.size)
	if err != nil {
		return longrunner.Fail(longrunner.KindSlice, err).WithNext(recountNext(after, through))
	}
	if c, ok := r.store.(RangeCounter); ok && s.Number() == 1 {
		// the first slice still sees the starting range
		if n, err := c.CountDiscussions(ctx, after, through); err == nil {
			s.SetTotal(n)
		}
	}

	last := after
	done := len(keys) < r.size
	for i, key := range keys {
		if through > 0 && key > through {
			done = true
			break
		}
		if i > 0 && (s.Exhausted() || ctx.Err() != nil) {
			done = false
			break
		}
		last = key
		id := strconv.FormatInt(key, 10)
		if err := r.recount(ctx, key); err != nil {
			if !s.Failed(id, err) {
				return longrunner.Continue(recountNext(last, through))
			}
			continue
		}
		s.Succeeded(id)
	}
	if through > 0 && last >= through {
		done = true
	}
	if done {
		return longrunner.Complete(RecountResult{LastKey: last})
	}
	return longrunner.Continue(recountNext(last, through))
}

func (r *Recount) recount(ctx context.Context, key int64) error {
	n, err := r.store.CountComments(ctx, key)
	if err != nil {
		return err
	}
	return r.store.SetCommentCount(ctx, key, n)
}

func recountNext(after, through int64) longrunner.NextArgs {
	n, err := longrunner.EncodeNextArgs(after, through)
	if err != nil {
		// two int64 values always encode
		panic(err)
	}
	return n
}

// MemoryCounters is an in-process CounterStore.
type MemoryCounters struct {
	mu       sync.Mutex
	cached   map[int64]int
	comments map[int64]int
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{cached: map[int64]int{}, comments: map[int64]int{}}
}

// AddDiscussion registers a discussion with its real and cached counts.
func (m *MemoryCounters) AddDiscussion(key int64, comments, cached int) {
	m.mu.Lock()
	m.comments[key] = comments
	m.cached[key] = cached
	m.mu.Unlock()
}

func (m *MemoryCounters) DiscussionsAfter(ctx context.Context, after int64, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	keys := make([]int64, 0, len(m.cached))
	for k := range m.cached {
		if k > after {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *MemoryCounters) CountComments(_ context.Context, key int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.comments[key], nil
}

func (m *MemoryCounters) SetCommentCount(_ context.Context, key int64, n int) error {
	m.mu.Lock()
	m.cached[key] = n
	m.mu.Unlock()
	return nil
}

func (m *MemoryCounters) CommentCount(key int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached[key]
}

func (m *MemoryCounters) CountDiscussions(ctx context.Context, after, through int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.cached {
		if k > after && (through <= 0 || k <= through) {
			n++
		}
	}
	return n, nil
}
