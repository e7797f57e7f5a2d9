package longrunner

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Args is the positional argument list an Action is invoked with.
//
// Every element is a JSON value, so an argument list survives being written to
// a store or embedded in a callback token byte-for-byte.
type Args []json.RawMessage

// EncodeArgs JSON-encodes values into an argument list.
func EncodeArgs(values ...any) (Args, error) {
	out := make(Args, 0, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("longrunner: encode argument %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// MustEncodeArgs is EncodeArgs that panics on error. Meant for literals.
func MustEncodeArgs(values ...any) Args {
	a, err := EncodeArgs(values...)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
// A missing or undecodable argument is an invalid continuation.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return InvalidContinuation("argument %d missing (have %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return InvalidContinuation("argument %d: %v", i, err)
	}
	return nil
}

// DecodeAll decodes the leading arguments into dst in order.
// It fails if fewer arguments than destinations are present.
func (a Args) DecodeAll(dst ...any) error {
	for i, v := range dst {
		if err := a.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	for i, v := range a {
		out[i] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Equal reports whether both lists hold the same encoded values.
func (a Args) Equal(b Args) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// NextArgs wraps the arguments for the next invocation of a long-running action.
//
// A NextArgs is immutable: the constructor keeps its own copy of the list and
// Args hands out copies. Every resumption point gets a new value.
type NextArgs struct {
	args Args
}

// NewNextArgs stores args verbatim. Interpreting them is the receiving action's job.
func NewNextArgs(args Args) NextArgs {
	if args == nil {
		args = Args{}
	}
	return NextArgs{args: args.Clone()}
}

// EncodeNextArgs JSON-encodes values into a NextArgs.
func EncodeNextArgs(values ...any) (NextArgs, error) {
	a, err := EncodeArgs(values...)
	if err != nil {
		return NextArgs{}, err
	}
	return NextArgs{args: a}, nil
}

// Args returns the argument list to pass to the next invocation.
func (n NextArgs) Args() Args { return n.args.Clone() }

func (n NextArgs) Len() int { return len(n.args) }

// IsZero reports whether n was never constructed.
func (n NextArgs) IsZero() bool { return n.args == nil }

func (n NextArgs) MarshalJSON() ([]byte, error) {
	if n.args == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(n.args))
}

func (n *NextArgs) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return InvalidContinuation("next args: %v", err)
	}
	if raw == nil {
		raw = []json.RawMessage{}
	}
	n.args = Args(raw).Clone()
	return nil
}
