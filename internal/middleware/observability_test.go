package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/protocol"
	"chatsync/internal/transport"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logger, &buf
}

func TestObservability_RecordsRouteTemplate(t *testing.T) {
	logger, logs := newLogger()
	reg := metrics.NewRegistry()

	router := mux.NewRouter()
	router.Use(Observability(logger, reg, false))
	router.HandleFunc("/admin/sessions/{user}/revoke", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, RequestID(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/alice/revoke", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, float64(1), reg.CounterValue(metrics.HTTPRequestsTotal, map[string]string{
		"method":      http.MethodPost,
		"route":       "/admin/sessions/{user}/revoke",
		"status_code": "202",
	}))
	assert.Contains(t, logs.String(), "HTTP request completed")
	assert.NotContains(t, logs.String(), "alice")
}

func TestObservability_KeepsIncomingRequestID(t *testing.T) {
	logger, _ := newLogger()
	handler := Observability(logger, metrics.NewRegistry(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-42", RequestID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestObservability_AllowsWebsocketUpgrade(t *testing.T) {
	logger, logs := newLogger()
	handler := Observability(logger, metrics.NewRegistry(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r, transport.AcceptOptions{})
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := conn.ReadFrame(r.Context())
		if err == nil {
			_ = conn.WriteFrame(r.Context(), protocol.Pong(f))
		}
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Abort()

	ping := protocol.Ping()
	require.NoError(t, conn.WriteFrame(ctx, ping))
	pong, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, ping.Timestamp, pong.Timestamp)

	_ = conn.Close()
	require.Eventually(t, func() bool { return strings.Contains(logs.String(), `"upgraded":true`) }, 6*time.Second, 10*time.Millisecond)
}

func TestAdminToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"disabled", "", "Bearer ", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/sessions/alice/revoke", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AdminToken(tt.token)(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
