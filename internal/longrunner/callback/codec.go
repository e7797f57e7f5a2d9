// Package callback turns paused sequences into signed continuation tokens
// that a client hands back to resume the work.
package callback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"longrunner/internal/longrunner"
)

const DefaultIssuer = "longrunner"

var ErrNoSecret = errors.New("callback: signing secret is empty")

type Config struct {
	Secret string
	Issuer string
	// TTL bounds how long a token stays valid. Zero disables expiry.
	TTL time.Duration
}

// Claims is the JWT body. The checkpoint travels whole so a token can be
// resumed even by a process that has no store.
type Claims struct {
	Checkpoint longrunner.Checkpoint `json:"cp"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func New(cfg Config) (*Codec, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	ttl := cfg.TTL
	if ttl < 0 {
		ttl = 0
	}
	return &Codec{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of c that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	if now != nil {
		cp.now = now
	}
	return &cp
}

// TokenID is the jti of a checkpoint: one token per resumption point.
func TokenID(sequenceID string, generation int64) string {
	return sequenceID + ":" + strconv.FormatInt(generation, 10)
}

// Encode signs cp with HS256.
func (c *Codec) Encode(cp longrunner.Checkpoint) (string, error) {
	if err := cp.Validate(); err != nil {
		return "", err
	}
	now := c.now()
	claims := Claims{
		Checkpoint: cp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.issuer,
			Subject:  cp.Action,
			ID:       TokenID(cp.SequenceID, cp.Generation),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("callback: sign: %w", err)
	}
	return s, nil
}

// Decode verifies token and returns its checkpoint. Every failure, including
// expiry and a tampered payload, wraps longrunner.ErrInvalidContinuation.
func (c *Codec) Decode(token string) (longrunner.Checkpoint, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return longrunner.Checkpoint{}, longrunner.InvalidContinuation("empty callback token")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return longrunner.Checkpoint{}, longrunner.InvalidContinuation("callback token: %v", err)
	}
	cp := claims.Checkpoint
	if err := cp.Validate(); err != nil {
		return longrunner.Checkpoint{}, err
	}
	if claims.Subject != cp.Action || claims.ID != TokenID(cp.SequenceID, cp.Generation) {
		return longrunner.Checkpoint{}, longrunner.InvalidContinuation("callback token claims do not match checkpoint %s", cp.SequenceID)
	}
	return cp, nil
}
