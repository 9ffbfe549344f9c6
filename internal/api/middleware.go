package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/phivault/internal/audit"
	"github.com/org/phivault/pkg/models"
	"github.com/rs/zerolog/log"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// serviceTokenMiddleware gates the API behind the shared service token.
// Who may see decrypted PHI is decided upstream; this only keeps the
// subsystem itself off the open network.
func serviceTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Service-Token")
			if provided == "" {
				writeError(w, http.StatusUnauthorized, "missing X-Service-Token header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				writeError(w, http.StatusForbidden, "invalid service token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseRecorder captures the status code for middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// selfAuditMiddleware records every ops API request to the audit trail.
// The audit-record endpoint is excluded: its handler already records
// the delegated business event.
func selfAuditMiddleware(recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r)

			if skipSelfAudit(r) {
				return
			}
			recorder.Record(r.Context(), &models.AuditEvent{
				Action:        selfAuditAction(r),
				ResourceType:  "ops_api",
				RequestMethod: r.Method,
				RequestPath:   r.URL.Path,
				ClientIP:      clientIP(r),
				UserAgent:     r.UserAgent(),
				Success:       rr.statusCode < 400,
				StatusCode:    rr.statusCode,
				CorrelationID: requestIDFromCtx(r.Context()),
			})
		})
	}
}

func skipSelfAudit(r *http.Request) bool {
	switch {
	case r.URL.Path == "/metrics" || r.URL.Path == "/v1/sys/health":
		return true
	case r.Method == http.MethodPost && r.URL.Path == "/v1/audit/events":
		return true
	}
	return false
}

func selfAuditAction(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/v1/crypto/decrypt") {
		return models.ActionPHIAccess
	}
	switch r.Method {
	case http.MethodPost:
		return models.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return models.ActionUpdate
	case http.MethodDelete:
		return models.ActionDelete
	default:
		return models.ActionRead
	}
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int // requests per second
	burst   int
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: time.Now()}
		rl.buckets[ip] = b
	}
	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
