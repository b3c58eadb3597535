// Package token implements signed, expiring credential strings.
// A token is base64url(payload) "." base64url(hmac-sha256(payload)).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Kind tags the payload so session and download tokens cannot be swapped.
type Kind string

const (
	KindSession  Kind = "session"
	KindDownload Kind = "download"
)

var (
	// ErrInvalid covers malformed tokens and signature mismatches.
	// The two cases are merged on purpose so callers cannot probe
	// which check failed.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired marks a well-formed, correctly signed token past its expiry.
	ErrExpired = errors.New("token expired")
)

// Payload is the signed token content. Serialization goes through
// encoding/json on this struct, so the byte form is deterministic and
// signatures verify across processes.
type Payload struct {
	Subject   string `json:"sub"`
	Kind      Kind   `json:"kind"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	// GrantID is set for download tokens only. The server-side grant
	// record, not this field, is authoritative for single use.
	GrantID string `json:"grant,omitempty"`
}

// Codec signs and verifies tokens with a process-wide secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec returns a codec for the given signing secret.
// An empty secret is refused; the caller must fail startup.
func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret is required")
	}
	return &Codec{secret: []byte(secret), now: time.Now}, nil
}

// WithNow overrides the clock. Tests only.
func (c *Codec) WithNow(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue signs p with an absolute expiry computed from ttl.
func (c *Codec) Issue(p Payload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := c.now()
	p.IssuedAt = now.Unix()
	p.ExpiresAt = now.Add(ttl).Unix()
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(c.sign(body)), nil
}

// Verify checks the signature in constant time, then the expiry.
// It returns ErrInvalid for anything malformed or tampered with and
// ErrExpired for a genuine token past its expiry.
func (c *Codec) Verify(tok string) (Payload, error) {
	var p Payload
	body, sig, ok := splitToken(tok)
	if !ok {
		return p, ErrInvalid
	}
	if !hmac.Equal(sig, c.sign(body)) {
		return p, ErrInvalid
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, ErrInvalid
	}
	if p.Subject == "" || p.ExpiresAt == 0 {
		return Payload{}, ErrInvalid
	}
	if p.Kind != KindSession && p.Kind != KindDownload {
		return Payload{}, ErrInvalid
	}
	if !c.now().Before(time.Unix(p.ExpiresAt, 0)) {
		return Payload{}, ErrExpired
	}
	return p, nil
}

func (c *Codec) sign(body []byte) []byte {
	m := hmac.New(sha256.New, c.secret)
	m.Write(body)
	return m.Sum(nil)
}

func splitToken(tok string) (body, sig []byte, ok bool) {
	i := strings.IndexByte(tok, '.')
	if i <= 0 || i == len(tok)-1 {
		return nil, nil, false
	}
	enc := base64.RawURLEncoding
	body, err := enc.DecodeString(tok[:i])
	if err != nil {
		return nil, nil, false
	}
	sig, err = enc.DecodeString(tok[i+1:])
	if err != nil {
		return nil, nil, false
	}
	return body, sig, true
}
