package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/httputil"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func LoggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Info("HTTP request")
		})
	}
}

func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			m.ObserveRequest(r.Method, routeTemplate(r), rec.status, time.Since(start))
		})
	}
}

// RecoveryMiddleware turns a panic in a handler into a 500 envelope.
func RecoveryMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.WithFields(logrus.Fields{
						"panic": p,
						"path":  r.URL.Path,
					}).Error("Recovered from handler panic")
					httputil.RespondWithError(w, logger, apperror.Internal("something went wrong", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// InstrumentUnmatched installs 404 and 405 handlers that are logged and
// measured. Middleware added with router.Use only runs on matched routes.
func InstrumentUnmatched(router *mux.Router, logger *logrus.Logger, m *metrics.Metrics) {
	wrap := func(status int, message string) http.Handler {
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httputil.RespondWithJSON(w, status, httputil.ApiError{
				StatusCode: status,
				Message:    message,
				Errors:     []string{},
			})
		})
		return LoggingMiddleware(logger)(MetricsMiddleware(m)(h))
	}

	router.NotFoundHandler = wrap(http.StatusNotFound, "route not found")
	router.MethodNotAllowedHandler = wrap(http.StatusMethodNotAllowed, "method not allowed")
}
