package middleware

import (
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// Client request ids outside this shape are replaced with a generated one
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); requestIDPattern.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// statusRecorder remembers what the handler wrote
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.size += n
	return n, err
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggerMiddleware logs every served request; 5xx responses go to Warn.
// Request id is taken from X-Request-Id when it looks sane or generated, and echoed back
func LoggerMiddleware(l logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []any{
				"request_id", id,
				"method", r.Method,
				"uri", r.RequestURI,
				"duration", time.Since(start),
				"status", rec.status,
				"size", rec.size,
			}

			if rec.status >= http.StatusInternalServerError {
				l.Warn("HTTP request failed", fields...)
				return
			}
			l.Info("got HTTP request", fields...)
		})
	}
}
