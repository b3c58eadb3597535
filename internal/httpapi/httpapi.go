// Package httpapi exposes the HTTP surface of the trust-and-access layer.
//
// Token, grant, and rate-limit failures are all folded into uniform
// "not authenticated" / "access denied" responses so a caller can never
// learn which specific check failed. Archive rejections are the one
// exception: their reason is user-actionable and reported verbatim.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/archive"
	"github.com/ericr-stein/VoiceScript/internal/download"
	"github.com/ericr-stein/VoiceScript/internal/metrics"
	"github.com/ericr-stein/VoiceScript/internal/ratelimit"
	"github.com/ericr-stein/VoiceScript/internal/session"
	"github.com/ericr-stein/VoiceScript/internal/storage"
	"github.com/ericr-stein/VoiceScript/internal/token"
)

const sessionCookie = "vs_session"

// cspPolicy is the fixed Content-Security-Policy sent with every response.
const cspPolicy = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:"

type Server struct {
	Logger    *slog.Logger
	Store     *storage.Store
	Sessions  *session.Manager
	Downloads *download.Manager
	Metrics   *metrics.Set

	SessionLimiter *ratelimit.Limiter
	RedeemLimiter  *ratelimit.Limiter

	BindAddr string
	Port     int
	CertPath string
	KeyPath  string

	SessionTTL     time.Duration
	MaxUploadBytes int64
	ArchiveLimits  archive.Limits

	// HSTS is sent only when TLS terminates at this layer.
	HSTS bool
}

// Handler assembles the mux with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/files", s.withSubject(s.handleFiles))
	mux.HandleFunc("/api/upload", s.withSubject(s.handleUpload))
	mux.HandleFunc("/api/download", s.withSubject(s.handleGrant))
	mux.HandleFunc("/download", s.handleRedeem)

	var h http.Handler = mux
	h = s.withRequestLog(h)
	h = s.withSecurityHeaders(h)
	h = s.withRecover(h)
	return h
}

// ListenAndServe runs the API listener, with TLS when cert and key are set.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.BindAddr + ":" + strconv.Itoa(s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	var err error
	if s.CertPath != "" && s.KeyPath != "" {
		err = srv.ListenAndServeTLS(s.CertPath, s.KeyPath)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}

// handleSession validates the caller's session cookie, minting a fresh
// anonymous session when there is none worth keeping. Renewal happens here
// and in withSubject as a side effect of validation.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !s.allow(w, r, s.SessionLimiter, "session") {
		return
	}

	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if p, err := s.Sessions.Validate(c.Value); err == nil {
			s.renewIfNeeded(w, p)
			writeJSON(w, http.StatusOK, map[string]string{"subject": p.Subject})
			return
		}
	}

	tok, subject, err := s.Sessions.Create("")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	if err := s.Store.EnsureSubject(subject); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	s.Metrics.SessionsIssued.Inc()
	s.setSessionCookie(w, tok)
	writeJSON(w, http.StatusOK, map[string]string{"subject": subject})
}

type ctxKey string

const ctxSubject ctxKey = "subject"

// withSubject gates a handler behind a valid session. All failures produce
// the same "not authenticated" response.
func (s *Server) withSubject(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
			return
		}
		p, err := s.Sessions.Validate(c.Value)
		if err != nil {
			s.clearSessionCookie(w)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
			return
		}
		s.renewIfNeeded(w, p)
		ctx := context.WithValue(r.Context(), ctxSubject, p.Subject)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) renewIfNeeded(w http.ResponseWriter, p token.Payload) {
	fresh, err := s.Sessions.MaybeRenew(p)
	if err != nil || fresh == "" {
		return
	}
	s.Metrics.SessionsRenewed.Inc()
	s.setSessionCookie(w, fresh)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	subject := r.Context().Value(ctxSubject).(string)
	entries, err := s.Store.ListResults(subject)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	subject := r.Context().Value(ctxSubject).(string)

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.Metrics.UploadErrors.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid upload"})
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.Metrics.UploadErrors.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
		return
	}
	defer file.Close()

	isZip := strings.EqualFold(filepath.Ext(hdr.Filename), ".zip")
	if !isZip && !archive.AllowedMediaName(hdr.Filename) {
		s.Metrics.UploadErrors.WithLabelValues("unsupported_type").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "only audio, video, or zip uploads are accepted"})
		return
	}

	stored, err := s.Store.SaveUpload(subject, hdr.Filename, file)
	if err != nil {
		s.Metrics.UploadErrors.WithLabelValues("storage").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "upload failed"})
		return
	}

	if isZip {
		if err := s.ingestArchive(subject, stored); err != nil {
			var re *archive.RejectedError
			if errors.As(err, &re) {
				s.Metrics.ArchiveRejected.WithLabelValues(string(re.Reason)).Inc()
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": re.Error()})
				return
			}
			s.Metrics.UploadErrors.WithLabelValues("storage").Inc()
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "upload failed"})
			return
		}
	}

	s.Metrics.Uploads.Inc()
	s.Metrics.UploadSize.Observe(float64(hdr.Size))
	_ = s.Store.Touch(subject)
	writeJSON(w, http.StatusOK, map[string]string{"name": stored})
}

// ingestArchive validates a stored zip and replaces it with its extracted
// entries. The zip itself never survives: rejected or extracted, it is
// removed either way.
func (s *Server) ingestArchive(subject, stored string) error {
	fsys := s.Store.Fs()
	zipPath := filepath.Join(s.Store.InDir(subject), stored)
	defer func() { _ = fsys.Remove(zipPath) }()

	if err := archive.ValidateFile(fsys, zipPath, s.ArchiveLimits); err != nil {
		return err
	}
	return archive.Extract(fsys, zipPath, s.Store.InDir(subject), s.ArchiveLimits)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	subject := r.Context().Value(ctxSubject).(string)

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	tok, err := s.Downloads.Grant(subject, req.Path)
	if err != nil {
		// No distinction between missing and foreign paths.
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	s.Metrics.GrantsIssued.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"url": "/download?token=" + tok})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !s.allow(w, r, s.RedeemLimiter, "redeem") {
		return
	}

	local, err := s.Downloads.Redeem(r.URL.Query().Get("token"))
	if err != nil {
		s.Metrics.GrantsRejected.WithLabelValues(redeemReason(err)).Inc()
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "access denied"})
		return
	}
	s.Metrics.GrantsRedeemed.Inc()

	f, err := s.Store.Fs().Open(local)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}

	name := filepath.Base(local)
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("content-type", ct)
	w.Header().Set("content-disposition", `attachment; filename="`+stripQuotes(name)+`"`)
	http.ServeContent(w, r, name, st.ModTime(), f)
}

// redeemReason labels metrics only; the HTTP response stays uniform.
func redeemReason(err error) string {
	switch {
	case errors.Is(err, download.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, download.ErrExpired):
		return "expired"
	default:
		return "invalid"
	}
}

// allow applies a rate limiter keyed by client IP.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, l *ratelimit.Limiter, scope string) bool {
	ok, retry := l.Allow(clientIP(r))
	if ok {
		return true
	}
	s.Metrics.RateLimited.WithLabelValues(scope).Inc()
	w.Header().Set("retry-after", retryAfterSeconds(retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
	return false
}

// clientIP extracts the remote IP without a port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func stripQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, "")
}

func (s *Server) setSessionCookie(w http.ResponseWriter, tok string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.HSTS,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(s.SessionTTL.Seconds()),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.HSTS,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-content-type-options", "nosniff")
		w.Header().Set("x-frame-options", "DENY")
		w.Header().Set("content-security-policy", cspPolicy)
		if s.HSTS {
			w.Header().Set("strict-transport-security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
