package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	httpRequestsCounter = metrics.GetOrCreateCounter(`http_requests_total`)
	httpErrorsCounter   = metrics.GetOrCreateCounter(`http_requests_errors_total`)
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		httpRequestsCounter.Inc()
		if writer.status >= http.StatusBadRequest {
			httpErrorsCounter.Inc()
		}

		logger.InfoContext(r.Context(), "Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"durationMs", time.Since(start).Milliseconds())
	})
}
