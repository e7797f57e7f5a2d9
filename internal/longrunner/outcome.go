package longrunner

// OutcomeKind says what an Action invocation asked the Runner to do next.
type OutcomeKind int

const (
	OutcomeInvalid OutcomeKind = iota
	OutcomeComplete
	OutcomeContinue
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeComplete:
		return "complete"
	case OutcomeContinue:
		return "continue"
	case OutcomeError:
		return "error"
	default:
		return "invalid"
	}
}

// Outcome is the result of one Action invocation. Build it with Complete,
// Continue or Fail; the zero value is rejected by the Runner.
type Outcome struct {
	kind    OutcomeKind
	result  any
	next    NextArgs
	hasNext bool
	errKind string
	err     error
}

// Complete ends the sequence. result is handed back to the Runner's caller.
func Complete(result any) Outcome {
	return Outcome{kind: OutcomeComplete, result: result}
}

// Continue asks for another invocation with next.
func Continue(next NextArgs) Outcome {
	return Outcome{kind: OutcomeContinue, next: next, hasNext: true}
}

// Fail reports that the slice failed. Use WithNext to say where the sequence
// should pick up if the Runner is configured to tolerate errors.
func Fail(kind string, err error) Outcome {
	if kind == "" {
		kind = KindSlice
	}
	return Outcome{kind: OutcomeError, errKind: kind, err: err}
}

// WithNext attaches continuation arguments to a failed outcome.
func (o Outcome) WithNext(next NextArgs) Outcome {
	o.next = next
	o.hasNext = true
	return o
}

func (o Outcome) Kind() OutcomeKind { return o.kind }
func (o Outcome) Result() any       { return o.result }
func (o Outcome) Err() error        { return o.err }
func (o Outcome) ErrKind() string   { return o.errKind }

// Next returns the continuation arguments, if any.
func (o Outcome) Next() (NextArgs, bool) { return o.next, o.hasNext }
