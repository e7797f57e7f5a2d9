package actions

import (
	"context"
	"strings"

	"longrunner/internal/longrunner"
)

const DefaultSliceSize = 50

// ItemFunc processes one ID. It must be idempotent: a slice interrupted
// before its checkpoint was saved is replayed.
type ItemFunc func(ctx context.Context, id string) error

// BatchResult is what a completed Batch hands back.
type BatchResult struct {
	Items int `json:"items"`
}

// Batch applies an ItemFunc to a list of IDs, SliceSize IDs per invocation.
//
// Arguments: [cursor int, ids []string]. BatchArgs builds the initial list.
type Batch struct {
	name string
	size int
	each ItemFunc
}

func NewBatch(name string, sliceSize int, each ItemFunc) *Batch {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return &Batch{name: strings.TrimSpace(name), size: sliceSize, each: each}
}

// BatchArgs returns the arguments that start a Batch over ids.
func BatchArgs(ids []string) (longrunner.Args, error) {
	return longrunner.EncodeArgs(0, ids)
}

func (b *Batch) Name() string  { return b.name }
func (b *Batch) SliceSize() int { return b.size }

func (b *Batch) Run(ctx context.Context, args longrunner.Args, s *longrunner.Slice) longrunner.Outcome {
	var (
		cursor int
		ids    []string
	)
	if err := args.DecodeAll(&cursor, &ids); err != nil {
		return longrunner.Fail(longrunner.KindSlice, err)
	}
	if b.each == nil {
		return longrunner.Fail(longrunner.KindSlice, longrunner.ErrNilAction)
	}
	next, stop, err := walk(ctx, s, ids, cursor, b.size, b.each)
	if err != nil {
		return longrunner.Fail(longrunner.KindSlice, err)
	}
	if !stop && next >= len(ids) {
		return longrunner.Complete(BatchResult{Items: len(ids)})
	}
	return continueAt(next, ids)
}

// walk processes ids[cursor:] until size items are done, the run's time budget
// is used up, ctx ends, or an item fails that the sequence does not tolerate.
// It always attempts at least one item so every slice makes progress.
// stop reports that the slice ended on an untolerated failure.
func walk(ctx context.Context, s *longrunner.Slice, ids []string, cursor, size int, each ItemFunc) (next int, stop bool, err error) {
	if cursor < 0 || cursor > len(ids) {
		return 0, false, longrunner.InvalidContinuation("cursor %d outside [0,%d]", cursor, len(ids))
	}
	s.SetTotal(len(ids))
	end := min(cursor+size, len(ids))
	i := cursor
	for ; i < end; i++ {
		if i > cursor && (s.Exhausted() || ctx.Err() != nil) {
			break
		}
		if err := each(ctx, ids[i]); err != nil {
			if !s.Failed(ids[i], err) {
				return i + 1, true, nil
			}
			continue
		}
		s.Succeeded(ids[i])
	}
	return i, false, nil
}

func continueAt(cursor int, ids []string, extra ...any) longrunner.Outcome {
	next, err := longrunner.EncodeNextArgs(append([]any{cursor, ids}, extra...)...)
	if err != nil {
		return longrunner.Fail(longrunner.KindSlice, err)
	}
	return longrunner.Continue(next)
}
