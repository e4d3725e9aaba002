package hub

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// statusRecorder wraps ResponseWriter to capture status & size, and
// passes through Hijack so a WS upgrade still works through this
// middleware. Grounded on backend/middleware/logging.go's statusRecorder.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.size += n
	return n, err
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hub: underlying ResponseWriter does not support hijacking")
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var reqIDCounter uint64

// loggingMiddleware logs each request with a request id and recovers
// panics as a 500 rather than crashing the process.
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := fmt.Sprintf("%d-%x", atomic.AddUint64(&reqIDCounter, 1), start.UnixNano())
			w.Header().Set("X-Request-ID", rid)
			sr := &statusRecorder{ResponseWriter: w}
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic",
						zap.String("request_id", rid),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("error", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(sr, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
				logger.Info("request",
					zap.String("request_id", rid),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", sr.status),
					zap.Int("bytes", sr.size),
					zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				)
			}()
			next.ServeHTTP(sr, r)
		})
	}
}

// requireAdmin gates a handler behind either HTTP Basic auth (checked
// against cfg.AdminUser/AdminPasswordHash, which also mints a bearer
// token) or a previously-issued bearer token in the Authorization
// header. Mutating OTA endpoints are the only routes wrapped with this.
func (c *Coordinator) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.AdminPasswordHash == "" {
			http.Error(w, "admin auth not configured", http.StatusServiceUnavailable)
			return
		}

		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			if _, err := parseAdminToken(auth[7:], c.cfg.AdminTokenSecret); err == nil {
				next(w, r)
				return
			}
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != c.cfg.AdminUser || !checkAdminPassword(c.cfg.AdminPasswordHash, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="fleetctl-hub"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
