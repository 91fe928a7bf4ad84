package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/protocol"
	"chatsync/internal/relay"
	"chatsync/internal/store"
	"chatsync/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "admin-secret"

type fixture struct {
	srv     *httptest.Server
	store   *store.Store
	auth    *auth.Service
	metrics *metrics.Registry
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authSvc, err := auth.NewService(auth.Options{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	hub := relay.New(authSvc, st, st, presence.NewMemoryRegistry(), relay.Options{Logger: logger, Metrics: reg})
	hub.Start(ctx)

	server := NewServer(models.ServerConfig{AdminToken: token}, Deps{
		Hub: hub, Store: st, Auth: authSvc, Metrics: reg, Logger: logger,
	})
	srv := httptest.NewServer(server.router)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(sctx)
	})
	return &fixture{srv: srv, store: st, auth: authSvc, metrics: reg}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_HandleHealth(t *testing.T) {
	f := newFixture(t, adminToken)

	resp := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "CLOSED", body.Breaker)
	assert.Equal(t, 0, body.Connections)
}

func TestServer_HandleHealth_DatabaseDown(t *testing.T) {
	f := newFixture(t, adminToken)
	require.NoError(t, f.store.Close())

	resp := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
}

func TestServer_HandleMetrics(t *testing.T) {
	f := newFixture(t, adminToken)
	f.do(t, http.MethodGet, "/health", "", "")

	resp := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))

	var snapshot map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Equal(t, float64(1), f.metrics.CounterValue(metrics.HTTPRequestsTotal, map[string]string{
		"method": http.MethodGet, "route": "/health", "status_code": "200",
	}))
}

func TestServer_AdminAuthorization(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{"disabled", "", "anything", http.StatusNotFound},
		{"missing token", adminToken, "", http.StatusUnauthorized},
		{"wrong token", adminToken, "nope", http.StatusUnauthorized},
		{"valid token", adminToken, adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.configured)
			resp := f.do(t, http.MethodPost, "/admin/sessions/alice/revoke", tt.sent, "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_RevokeClosesLiveSessions(t *testing.T) {
	f := newFixture(t, adminToken)
	token, _, err := f.auth.Issue("alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Abort()
	require.NoError(t, conn.WriteFrame(ctx, protocol.Frame{Type: protocol.TypeAuthenticate, Token: token}))
	ok, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAuthOK, ok.Type)

	resp := f.do(t, http.MethodPost, "/admin/sessions/alice/revoke", adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Closed int `json:"closed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Closed)

	for {
		if _, err = conn.ReadFrame(ctx); err != nil {
			break
		}
	}
	assert.Equal(t, transport.CloseAdministrative, transport.Classify(err))

	_, err = f.auth.Verify(ctx, token)
	assert.Error(t, err)
	assert.Equal(t, float64(1), f.metrics.CounterValue(metrics.AdminRevocations, nil))
}

func TestServer_CreateConversation(t *testing.T) {
	f := newFixture(t, adminToken)

	resp := f.do(t, http.MethodPost, "/admin/conversations", adminToken,
		`{"id":"general","kind":"group","members":{"alice":"owner","bob":""}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx := context.Background()
	role, err := f.store.RoleOf(ctx, "alice", "general")
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, role)
	role, err = f.store.RoleOf(ctx, "bob", "general")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, role)

	resp = f.do(t, http.MethodPost, "/admin/conversations", adminToken, `{"kind":"group"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/admin/conversations", adminToken, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_IssueToken(t *testing.T) {
	f := newFixture(t, adminToken)

	resp := f.do(t, http.MethodPost, "/admin/tokens", adminToken, `{"user_id":"carol"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	userID, err := f.auth.Verify(context.Background(), body.Token)
	require.NoError(t, err)
	assert.Equal(t, "carol", userID)

	resp = f.do(t, http.MethodPost, "/admin/tokens", adminToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
