package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "longrunner/pkg/logx"
)

type storeFactory func(t *testing.T) Store

func drivers(t *testing.T) map[string]storeFactory {
	t.Helper()
	m := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			st, err := Open(context.Background(), Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test:"}}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if dsn := os.Getenv("LONGRUNNER_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			ps := st.(*postgresStore)
			_, err = ps.pool.Exec(context.Background(), "TRUNCATE sequences, audit")
			require.NoError(t, err)
			return st
		}
	}
	return m
}

func record(id string, gen int64, state string, updated time.Time) SequenceRecord {
	return SequenceRecord{
		ID:         id,
		Action:     "batch",
		State:      state,
		Generation: gen,
		NextArgs:   json.RawMessage(`[3,["a","b"]]`),
		Progress:   json.RawMessage(`{"succeeded":3}`),
		UpdatedAt:  updated,
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			base := time.Now().UTC().Truncate(time.Millisecond)

			t.Run("missing", func(t *testing.T) {
				_, err := st.GetSequence(ctx, "nope")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.NoError(t, st.DeleteSequence(ctx, "nope"))
			})

			t.Run("generation rule", func(t *testing.T) {
				assert.ErrorIs(t, st.PutSequence(ctx, record("g", 2, "paused", base)), ErrConflict)
				require.NoError(t, st.PutSequence(ctx, record("g", 1, "running", base)))
				assert.ErrorIs(t, st.PutSequence(ctx, record("g", 1, "running", base)), ErrConflict)
				assert.ErrorIs(t, st.PutSequence(ctx, record("g", 3, "paused", base)), ErrConflict)

				next := record("g", 2, "paused", base.Add(time.Second))
				next.AutoResume = true
				next.ResumeAfter = base.Add(time.Minute)
				next.LastError = "boom"
				require.NoError(t, st.PutSequence(ctx, next))

				got, err := st.GetSequence(ctx, "g")
				require.NoError(t, err)
				assert.Equal(t, int64(2), got.Generation)
				assert.Equal(t, "paused", got.State)
				assert.True(t, got.AutoResume)
				assert.Equal(t, "boom", got.LastError)
				assert.True(t, got.ResumeAfter.Equal(base.Add(time.Minute)))
				assert.JSONEq(t, `[3,["a","b"]]`, string(got.NextArgs))
				assert.JSONEq(t, `{"succeeded":3}`, string(got.Progress))
				assert.False(t, got.CreatedAt.IsZero())
			})

			t.Run("list and prune", func(t *testing.T) {
				for i, id := range []string{"l1", "l2", "l3"} {
					r := record(id, 1, "paused", base.Add(-time.Duration(3-i)*time.Hour))
					r.AutoResume = id != "l3"
					r.ResumeAfter = base.Add(-time.Minute)
					require.NoError(t, st.PutSequence(ctx, r))
				}
				require.NoError(t, st.PutSequence(ctx, record("done", 1, "completed", base.Add(-5*time.Hour))))

				due, err := st.ListSequences(ctx, SequenceFilter{States: []string{"paused"}, ResumeBefore: base})
				require.NoError(t, err)
				ids := make([]string, 0, len(due))
				for _, r := range due {
					ids = append(ids, r.ID)
				}
				assert.Equal(t, []string{"l1", "l2"}, ids)

				limited, err := st.ListSequences(ctx, SequenceFilter{States: []string{"paused"}, Limit: 1})
				require.NoError(t, err)
				require.Len(t, limited, 1)
				assert.Equal(t, "l1", limited[0].ID)

				n, err := st.PruneSequences(ctx, base.Add(-4*time.Hour), []string{"completed", "failed"})
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				_, err = st.GetSequence(ctx, "done")
				assert.ErrorIs(t, err, ErrNotFound)

				n, err = st.PruneSequences(ctx, base.Add(-90*time.Minute), nil)
				require.NoError(t, err)
				assert.Equal(t, 2, n)
				_, err = st.GetSequence(ctx, "l3")
				assert.NoError(t, err)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, st.PutSequence(ctx, record("d", 1, "paused", base)))
				require.NoError(t, st.DeleteSequence(ctx, "d"))
				_, err := st.GetSequence(ctx, "d")
				assert.ErrorIs(t, err, ErrNotFound)
				require.NoError(t, st.PutSequence(ctx, record("d", 1, "paused", base)), "id is reusable after delete")
			})

			t.Run("audit", func(t *testing.T) {
				assert.NoError(t, st.AppendAudit(ctx, AuditEntry{Sequence: "g", Action: "batch", Operation: "resume", State: "paused", Slices: 2, OK: 6}))
			})
		})
	}
}

func TestConcurrentWritersOneWins(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			require.NoError(t, st.PutSequence(ctx, record("c", 1, "paused", time.Time{})))

			const writers = 8
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				won      int
				conflict int
			)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := st.PutSequence(ctx, record("c", 2, "running", time.Time{}))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						won++
					case errors.Is(err, ErrConflict):
						conflict++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, won)
			assert.Equal(t, writers-1, conflict)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutSequence(ctx, record("a", 1, "running", time.Time{})))
	require.NoError(t, st.PutSequence(ctx, record("a", 2, "paused", time.Time{})))
	require.NoError(t, st.PutSequence(ctx, record("b", 1, "paused", time.Time{})))
	require.NoError(t, st.DeleteSequence(ctx, "b"))

	// Simulate a crash: journal only, no compaction.
	fs := st.(*fileStore)
	fs.mu.Lock()
	require.NoError(t, fs.journalFile.Close())
	fs.journalFile = nil
	fs.mu.Unlock()

	st2, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	got, err := st2.GetSequence(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Generation)
	_, err = st2.GetSequence(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st2.Close())
	st3, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer st3.Close()
	got, err = st3.GetSequence(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "paused", got.State)
}

func TestRedisIndexDropsDanglingIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newRedisStore(client, "", logx.Nop())
	defer st.Close()

	require.NoError(t, st.PutSequence(ctx, record("x", 1, "paused", time.Time{})))
	mr.Del(st.seqKey("x"))

	out, err := st.ListSequences(ctx, SequenceFilter{})
	require.NoError(t, err)
	assert.Empty(t, out)
	members, err := mr.ZMembers(st.indexKey())
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(context.Background(), Config{Driver: "floppy"}, logx.Nop())
	assert.Error(t, err)
}
