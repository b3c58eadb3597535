// Package session tests cover lifecycle, renewal, and failure merging.
package session

import (
	"errors"
	"testing"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/token"
)

type fakeActivity struct {
	touched []string
}

func (f *fakeActivity) Touch(subject string) error {
	f.touched = append(f.touched, subject)
	return nil
}

func newTestManager(t *testing.T, act ActivityRecorder) (*Manager, *token.Codec) {
	t.Helper()
	c, err := token.NewCodec("session-test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	m, err := New(c, 7*24*time.Hour, 0.2, act)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, c
}

// TestCreateAndValidate round-trips a session and records activity.
func TestCreateAndValidate(t *testing.T) {
	act := &fakeActivity{}
	m, _ := newTestManager(t, act)

	tok, subject, err := m.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if subject == "" {
		t.Fatalf("expected minted subject")
	}
	p, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Subject != subject {
		t.Fatalf("subject = %q, want %q", p.Subject, subject)
	}
	if len(act.touched) != 1 || act.touched[0] != subject {
		t.Fatalf("activity not recorded: %v", act.touched)
	}
}

// TestValidateMergesFailures maps expired and forged tokens to one error.
func TestValidateMergesFailures(t *testing.T) {
	m, c := newTestManager(t, nil)

	base := time.Now()
	c.WithNow(func() time.Time { return base })
	tok, _, err := m.Create("user1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.WithNow(func() time.Time { return base.Add(8 * 24 * time.Hour) })
	if _, err := m.Validate(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expired: expected ErrInvalid, got %v", err)
	}
	c.WithNow(func() time.Time { return base })
	if _, err := m.Validate("garbage"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("garbage: expected ErrInvalid, got %v", err)
	}
}

// TestValidateRejectsDownloadKind refuses download tokens on the session path.
func TestValidateRejectsDownloadKind(t *testing.T) {
	m, c := newTestManager(t, nil)
	tok, err := c.Issue(token.Payload{Subject: "user1", Kind: token.KindDownload, GrantID: "g"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Validate(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

// TestMaybeRenewNearExpiry issues a fresh window below the threshold.
func TestMaybeRenewNearExpiry(t *testing.T) {
	m, c := newTestManager(t, nil)
	base := time.Now()
	c.WithNow(func() time.Time { return base })
	tok, _, err := m.Create("user1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// 10% of lifetime remaining: renew.
	late := base.Add(time.Duration(0.9 * float64(7*24*time.Hour)))
	m.WithNow(func() time.Time { return late })
	c.WithNow(func() time.Time { return late })
	fresh, err := m.MaybeRenew(p)
	if err != nil {
		t.Fatalf("MaybeRenew: %v", err)
	}
	if fresh == "" {
		t.Fatalf("expected renewal at 10%% remaining")
	}
	np, err := m.Validate(fresh)
	if err != nil {
		t.Fatalf("Validate renewed: %v", err)
	}
	if np.Subject != "user1" {
		t.Fatalf("renewed subject = %q", np.Subject)
	}
	if np.ExpiresAt-late.Unix() != int64((7 * 24 * time.Hour).Seconds()) {
		t.Fatalf("renewed token lacks a full window: %d", np.ExpiresAt-late.Unix())
	}
}

// TestMaybeRenewMidLifetime keeps the current token at 50% remaining.
func TestMaybeRenewMidLifetime(t *testing.T) {
	m, c := newTestManager(t, nil)
	base := time.Now()
	c.WithNow(func() time.Time { return base })
	tok, _, err := m.Create("user1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	mid := base.Add(time.Duration(0.5 * float64(7*24*time.Hour)))
	m.WithNow(func() time.Time { return mid })
	fresh, err := m.MaybeRenew(p)
	if err != nil {
		t.Fatalf("MaybeRenew: %v", err)
	}
	if fresh != "" {
		t.Fatalf("unexpected renewal at 50%% remaining")
	}
}
