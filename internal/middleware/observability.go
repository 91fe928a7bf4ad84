// Package middleware holds the HTTP middleware of the relay's plain HTTP
// routes.
package middleware

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"chatsync/internal/httputil"
	"chatsync/internal/metrics"
	"chatsync/internal/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id Observability assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Observability assigns a request id, opens a span and records request
// metrics and logs. Routes are labelled by their mux template so path
// variables do not explode metric cardinality.
func Observability(logger *logrus.Logger, reg *metrics.Registry, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			route := routeOf(r)

			ctx, span := tracing.StartSpan(r.Context(), "http "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", httputil.ClientIP(r, trustProxy)),
			)
			defer span.End()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Request-ID", requestID)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			status := strconv.Itoa(wrapper.statusCode)
			tracing.AddSpanAttributes(ctx, attribute.Int("http.response.status_code", wrapper.statusCode))
			if wrapper.statusCode >= http.StatusInternalServerError {
				tracing.RecordError(ctx, fmt.Errorf("HTTP %d", wrapper.statusCode))
			}

			labels := map[string]string{"method": r.Method, "route": route, "status_code": status}
			reg.IncrementCounter(metrics.HTTPRequestsTotal, labels, "HTTP requests by route and status")
			if !wrapper.hijacked {
				reg.RecordTimer(metrics.HTTPRequestDuration, duration, map[string]string{"route": route}, "HTTP request duration")
			}

			level := logrus.DebugLevel
			switch {
			case wrapper.statusCode >= http.StatusInternalServerError:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= http.StatusBadRequest:
				level = logrus.WarnLevel
			}
			logger.WithFields(logrus.Fields{
				"request_id":  requestID,
				"trace_id":    tracing.TraceID(ctx),
				"method":      r.Method,
				"route":       route,
				"status_code": wrapper.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_ip":   httputil.ClientIP(r, trustProxy),
				"upgraded":    wrapper.hijacked,
			}).Log(level, "HTTP request completed")
		})
	}
}

// AdminToken rejects requests whose bearer token does not match token. An
// empty token disables the protected routes entirely.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin API disabled", http.StatusNotFound)
				return
			}
			got := r.Header.Get("Authorization")
			want := "Bearer " + token
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// responseWrapper captures the status code. It passes hijacking through so
// websocket upgrades still work behind it.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
