package callback

import (
	"errors"
	"strings"
	"testing"
	"time"

	"longrunner/internal/longrunner"
)

func testCheckpoint(t *testing.T) longrunner.Checkpoint {
	t.Helper()
	next, err := longrunner.EncodeNextArgs(7, []string{"a", "b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return longrunner.Checkpoint{
		SequenceID: "seq-1",
		Action:     "batch",
		Next:       next,
		Progress:   longrunner.Progress{Succeeded: 6, Slices: 2},
		Generation: 3,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Secret: "s3cret", TTL: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cp := testCheckpoint(t)
	tok, err := c.Encode(cp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(tok)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SequenceID != cp.SequenceID || got.Generation != 3 || got.Progress.Succeeded != 6 {
		t.Fatalf("checkpoint = %+v", got)
	}
	if !got.Next.Args().Equal(cp.Next.Args()) {
		t.Fatal("next args changed")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	c, err := New(Config{Secret: "s3cret", TTL: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c = c.WithClock(func() time.Time { return now })
	tok, err := c.Encode(testCheckpoint(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	other, _ := New(Config{Secret: "other"})
	otherIssuer, _ := New(Config{Secret: "s3cret", Issuer: "elsewhere"})
	later := c.WithClock(func() time.Time { return now.Add(2 * time.Minute) })

	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name  string
		codec *Codec
		token string
	}{
		{"empty", c, ""},
		{"garbage", c, "not.a.token"},
		{"wrong secret", other, tok},
		{"wrong issuer", otherIssuer, tok},
		{"expired", later, tok},
		{"tampered", c, tampered},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.codec.Decode(tt.token); !errors.Is(err, longrunner.ErrInvalidContinuation) {
				t.Fatalf("err = %v, want ErrInvalidContinuation", err)
			}
		})
	}
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Secret: "  "}); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("err = %v", err)
	}
}

func TestEncodeRejectsInvalidCheckpoint(t *testing.T) {
	t.Parallel()
	c, _ := New(Config{Secret: "k"})
	if _, err := c.Encode(longrunner.Checkpoint{SequenceID: "x"}); !errors.Is(err, longrunner.ErrInvalidContinuation) {
		t.Fatalf("err = %v", err)
	}
}
