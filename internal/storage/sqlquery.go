package storage

import (
	"strconv"
	"strings"
	"time"
)

// Shared SQL for the sqlite and postgres drivers. Timestamps are unix
// milliseconds so both dialects compare them the same way.

const sequenceColumns = `id, action, state, generation, next_args, progress, continue_on_error,
	auto_resume, resume_after, last_error, created_at, updated_at`

type placeholder func(n int) string

func questionMarks(int) string { return "?" }

func dollarN(n int) string { return "$" + strconv.Itoa(n) }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func insertSequenceSQL(ph placeholder) string {
	var b strings.Builder
	b.WriteString("INSERT INTO sequences(" + sequenceColumns + ") VALUES(")
	for i := 1; i <= 12; i++ {
		if i > 1 {
			b.WriteString(",")
		}
		b.WriteString(ph(i))
	}
	b.WriteString(") ON CONFLICT(id) DO NOTHING")
	return b.String()
}

// updateSequenceSQL swaps the row only while it is still at the previous generation.
func updateSequenceSQL(ph placeholder) string {
	return "UPDATE sequences SET action=" + ph(1) + ", state=" + ph(2) + ", generation=" + ph(3) +
		", next_args=" + ph(4) + ", progress=" + ph(5) + ", continue_on_error=" + ph(6) +
		", auto_resume=" + ph(7) + ", resume_after=" + ph(8) + ", last_error=" + ph(9) +
		", updated_at=" + ph(10) + " WHERE id=" + ph(11) + " AND generation=" + ph(12)
}

func insertArgs(r SequenceRecord) []any {
	return []any{
		r.ID, r.Action, r.State, r.Generation, string(r.NextArgs), string(r.Progress),
		r.ContinueOnError, r.AutoResume, toMillis(r.ResumeAfter), r.LastError,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	}
}

func updateArgs(r SequenceRecord) []any {
	return []any{
		r.Action, r.State, r.Generation, string(r.NextArgs), string(r.Progress),
		r.ContinueOnError, r.AutoResume, toMillis(r.ResumeAfter), r.LastError,
		toMillis(r.UpdatedAt), r.ID, r.Generation - 1,
	}
}

func listSequencesSQL(f SequenceFilter, ph placeholder) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}
	if len(f.States) > 0 {
		marks := make([]string, 0, len(f.States))
		for _, s := range f.States {
			marks = append(marks, arg(s))
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Action != "" {
		where = append(where, "action = "+arg(f.Action))
	}
	if !f.ResumeBefore.IsZero() {
		where = append(where, "auto_resume = "+arg(true)+" AND resume_after <= "+arg(toMillis(f.ResumeBefore)))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(toMillis(f.UpdatedBefore)))
	}
	q := "SELECT " + sequenceColumns + " FROM sequences"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	return q, args
}

func pruneSequencesSQL(before time.Time, states []string, ph placeholder) (string, []any) {
	args := []any{toMillis(before)}
	q := "DELETE FROM sequences WHERE updated_at < " + ph(1)
	if len(states) > 0 {
		marks := make([]string, 0, len(states))
		for _, s := range states {
			args = append(args, s)
			marks = append(marks, ph(len(args)))
		}
		q += " AND state IN (" + strings.Join(marks, ",") + ")"
	}
	return q, args
}

func insertAuditSQL(ph placeholder) string {
	return "INSERT INTO audit(at, sequence, action, operation, state, slices, ok, fail, err, took_ms) VALUES(" +
		ph(1) + "," + ph(2) + "," + ph(3) + "," + ph(4) + "," + ph(5) + "," +
		ph(6) + "," + ph(7) + "," + ph(8) + "," + ph(9) + "," + ph(10) + ")"
}

func auditArgs(e AuditEntry) []any {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return []any{
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Sequence), nullStr(e.Action), e.Operation,
		nullStr(e.State), e.Slices, e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	}
}

// rowScanner matches both *sql.Row(s) and pgx.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequence(row rowScanner) (SequenceRecord, error) {
	var (
		r                       SequenceRecord
		next, progress, lastErr *string
		resumeAfter, created    int64
		updated                 int64
	)
	if err := row.Scan(&r.ID, &r.Action, &r.State, &r.Generation, &next, &progress,
		&r.ContinueOnError, &r.AutoResume, &resumeAfter, &lastErr, &created, &updated); err != nil {
		return SequenceRecord{}, err
	}
	if next != nil && *next != "" {
		r.NextArgs = []byte(*next)
	}
	if progress != nil && *progress != "" {
		r.Progress = []byte(*progress)
	}
	if lastErr != nil {
		r.LastError = *lastErr
	}
	r.ResumeAfter = fromMillis(resumeAfter)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
