// Package download issues one-time, short-lived file-access tokens.
//
// The token only transports a grant identifier; the server-side grant record
// is authoritative for the single-use state. Redeeming is a check-and-consume
// under one lock, so concurrent redemptions of the same grant produce exactly
// one winner.
package download

import (
	"errors"
	"sync"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/token"
	"github.com/google/uuid"
)

var (
	// ErrForbidden rejects grant requests for paths outside the subject's tree.
	ErrForbidden = errors.New("path not owned by subject")
	// ErrExpired covers unknown and timed-out grants alike.
	ErrExpired = errors.New("download grant expired")
	// ErrAlreadyUsed marks a second redemption of a consumed grant.
	ErrAlreadyUsed = errors.New("download grant already used")
	// ErrInvalid mirrors the codec's merged malformed/tampered signal.
	ErrInvalid = errors.New("invalid download token")
)

// Resolver checks that a subject owns a result path and returns the local
// filesystem path. The storage layer implements it.
type Resolver interface {
	ResolveResult(subject, rel string) (string, error)
}

type grant struct {
	path      string
	subject   string
	expiresAt time.Time
	consumed  bool
}

// Manager owns the grant map and its consumed-set semantics.
type Manager struct {
	codec    *token.Codec
	resolver Resolver
	ttl      time.Duration

	mu     sync.Mutex
	grants map[string]*grant
	now    func() time.Time
}

// New returns a manager issuing grants with the given lifetime.
func New(codec *token.Codec, resolver Resolver, ttl time.Duration) (*Manager, error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if ttl <= 0 {
		return nil, errors.New("grant ttl must be positive")
	}
	return &Manager{
		codec:    codec,
		resolver: resolver,
		ttl:      ttl,
		grants:   make(map[string]*grant),
		now:      time.Now,
	}, nil
}

// WithNow overrides the clock. Tests only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Grant verifies ownership of rel under the subject's tree and issues a
// single-use token for it.
func (m *Manager) Grant(subject, rel string) (string, error) {
	local, err := m.resolver.ResolveResult(subject, rel)
	if err != nil {
		return "", ErrForbidden
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.pruneLocked()
	m.grants[id] = &grant{path: local, subject: subject, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()

	tok, err := m.codec.Issue(token.Payload{Subject: subject, Kind: token.KindDownload, GrantID: id}, m.ttl)
	if err != nil {
		m.mu.Lock()
		delete(m.grants, id)
		m.mu.Unlock()
		return "", err
	}
	return tok, nil
}

// Redeem consumes a download token and returns the granted file path.
// Redemption is irreversible; there is no unconsume path.
func (m *Manager) Redeem(tok string) (string, error) {
	p, err := m.codec.Verify(tok)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return "", ErrExpired
		}
		return "", ErrInvalid
	}
	if p.Kind != token.KindDownload || p.GrantID == "" {
		return "", ErrInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[p.GrantID]
	if !ok || m.now().After(g.expiresAt) {
		delete(m.grants, p.GrantID)
		return "", ErrExpired
	}
	if g.consumed {
		return "", ErrAlreadyUsed
	}
	g.consumed = true
	return g.path, nil
}

// pruneLocked drops expired grants. Caller holds mu.
func (m *Manager) pruneLocked() {
	now := m.now()
	for id, g := range m.grants {
		if now.After(g.expiresAt) {
			delete(m.grants, id)
		}
	}
}
