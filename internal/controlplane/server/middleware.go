package server

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gatetower/gatetower/internal/metrics"
)

// maxBodySizeMiddleware limits POST/PUT/PATCH request body size.
//
// Requests with Content-Length explicitly exceeding the limit are rejected
// immediately with HTTP 413 Request Entity Too Large. All write requests also
// have their body wrapped with http.MaxBytesReader as a safety net against
// chunked or unannounced oversized payloads.
func maxBodySizeMiddleware(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > limit {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// callerThrottle is a per-caller token bucket keyed by client IP. Stale
// entries are pruned when the map grows past pruneAt.
type callerThrottle struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	callers map[string]*throttleEntry
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const pruneAt = 4096

func newCallerThrottle(rps float64, burst int) *callerThrottle {
	return &callerThrottle{
		rps:     rate.Limit(rps),
		burst:   burst,
		callers: make(map[string]*throttleEntry),
	}
}

func (t *callerThrottle) allow(caller string) bool {
	t.mu.Lock()
	entry, ok := t.callers[caller]
	if !ok {
		if len(t.callers) >= pruneAt {
			t.prune()
		}
		entry = &throttleEntry{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.callers[caller] = entry
	}
	entry.lastSeen = time.Now()
	t.mu.Unlock()
	return entry.limiter.Allow()
}

// prune drops entries idle for over ten minutes. Caller holds the lock.
func (t *callerThrottle) prune() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for k, e := range t.callers {
		if e.lastSeen.Before(cutoff) {
			delete(t.callers, k)
		}
	}
}

// throttleMiddleware applies the per-caller bucket. Health and metrics
// endpoints bypass it so probes and scrapes never starve.
func throttleMiddleware(t *callerThrottle, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !t.allow(clientIP(r)) {
			metrics.RecordRateLimitRejection("edge")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs each request and feeds the duration histogram.
func loggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		metrics.RecordRequest(r.URL.Path, strconv.Itoa(rec.status), elapsed)
		log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
			zap.String("client", clientIP(r)))
	})
}

// recoveryMiddleware converts handler panics into a 500 instead of killing
// the connection.
func recoveryMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				writeJSONError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
