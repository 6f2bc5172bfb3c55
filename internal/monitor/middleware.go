package monitor

import (
	"net/http"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/httpx"
)

// Error kinds tracked by the middleware.
const (
	KindServerError = "server_error"
	KindPanic       = "panic"
	KindRateLimited = "rate_limited"
)

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware tracks 5xx responses, 429 responses and recovered panics.
// Panics are answered with 500.
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				m.Track(KindPanic)
				m.logger.Error("Recovered from panic in handler",
					zap.Any("panic", p),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
				if !rec.wroteHeader {
					httpx.WriteMessage(rec, http.StatusInternalServerError, "Internal server error")
				}
				return
			}

			switch {
			case rec.status >= http.StatusInternalServerError:
				m.Track(KindServerError)
			case rec.status == http.StatusTooManyRequests:
				m.Track(KindRateLimited)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}
