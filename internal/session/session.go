// Package session issues, validates, and renews per-user session tokens.
package session

import (
	"errors"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/token"
	"github.com/google/uuid"
)

// ErrInvalid is the single outward failure: expired, malformed, and forged
// tokens all collapse into it so callers only learn "re-authenticate".
var ErrInvalid = errors.New("invalid session")

// ActivityRecorder is notified when a subject shows up with a valid session.
type ActivityRecorder interface {
	Touch(subject string) error
}

// Manager owns session-token issuance. Renewal is a side effect of
// validation, evaluated on every validated request.
type Manager struct {
	codec          *token.Codec
	ttl            time.Duration
	renewThreshold float64
	activity       ActivityRecorder
	now            func() time.Time
}

// New returns a manager issuing tokens with the given total lifetime and
// renewal threshold (fraction of lifetime remaining that triggers renewal).
func New(codec *token.Codec, ttl time.Duration, renewThreshold float64, activity ActivityRecorder) (*Manager, error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if renewThreshold <= 0 || renewThreshold >= 1 {
		return nil, errors.New("renewal threshold must be in (0, 1)")
	}
	return &Manager{
		codec:          codec,
		ttl:            ttl,
		renewThreshold: renewThreshold,
		activity:       activity,
		now:            time.Now,
	}, nil
}

// WithNow overrides the clock. Tests only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create issues a fresh session token. An empty subject mints a new
// anonymous id.
func (m *Manager) Create(subject string) (string, string, error) {
	if subject == "" {
		subject = uuid.NewString()
	}
	tok, err := m.codec.Issue(token.Payload{Subject: subject, Kind: token.KindSession}, m.ttl)
	if err != nil {
		return "", "", err
	}
	return tok, subject, nil
}

// Validate checks a session token and records activity for its subject.
// Every failure maps to ErrInvalid.
func (m *Manager) Validate(tok string) (token.Payload, error) {
	p, err := m.codec.Verify(tok)
	if err != nil {
		return token.Payload{}, ErrInvalid
	}
	if p.Kind != token.KindSession {
		return token.Payload{}, ErrInvalid
	}
	if m.activity != nil {
		_ = m.activity.Touch(p.Subject)
	}
	return p, nil
}

// MaybeRenew returns a fresh full-lifetime token when less than the renewal
// threshold of the configured lifetime remains, or "" when the current token
// is still good.
func (m *Manager) MaybeRenew(p token.Payload) (string, error) {
	remaining := time.Unix(p.ExpiresAt, 0).Sub(m.now())
	if float64(remaining) >= m.renewThreshold*float64(m.ttl) {
		return "", nil
	}
	tok, _, err := m.Create(p.Subject)
	return tok, err
}
