package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatsync/internal/auth"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/relay"
	"chatsync/internal/store"
	"chatsync/pkg/circuitbreaker"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Hub     *relay.Hub
	Store   *store.Store
	Auth    *auth.Service
	Metrics *metrics.Registry
	Logger  *logrus.Logger
}

type Server struct {
	router *mux.Router
	cfg    models.ServerConfig
	deps   Deps
	logger *logrus.Logger
	server *http.Server
}

func NewServer(cfg models.ServerConfig, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetRegistry()
	}
	s := &Server{
		router: mux.NewRouter(),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.deps.Metrics, s.cfg.TrustProxy))

	s.router.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminToken(s.cfg.AdminToken))
	admin.HandleFunc("/sessions/{user}/revoke", s.handleRevoke()).Methods(http.MethodPost)
	admin.HandleFunc("/conversations", s.handleCreateConversation()).Methods(http.MethodPost)
	admin.HandleFunc("/tokens", s.handleIssueToken()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Breaker     string `json:"breaker"`
	Connections int    `json:"connections"`
}

// handleHealth reports "ok", "degraded" while the storage breaker is not
// closed, or "unhealthy" when the database does not answer.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:      "ok",
			Database:    "ok",
			Breaker:     s.deps.Hub.BreakerState().String(),
			Connections: s.deps.Hub.ConnectionCount(),
		}
		code := http.StatusOK
		if s.deps.Hub.BreakerState() != circuitbreaker.StateClosed {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check: database ping failed")
			resp.Status = "unhealthy"
			resp.Database = "unreachable"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func (s *Server) handleRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user"]
		s.deps.Auth.Revoke(userID)
		closed := s.deps.Hub.Revoke(userID)
		s.deps.Metrics.IncrementCounter(metrics.AdminRevocations, nil, "Sessions revoked through the admin API")

		s.logger.WithFields(logrus.Fields{
			"request_id":  middleware.RequestID(r.Context()),
			"user_id":     userID,
			"connections": closed,
		}).Info("Revoked user sessions")
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "closed": closed})
	}
}

type createConversationRequest struct {
	models.Conversation
	Members map[string]models.Role `json:"members"`
}

func (s *Server) handleCreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConversationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			s.writeError(w, apperrors.NewValidationError("body", "invalid JSON"))
			return
		}
		if err := s.deps.Store.CreateConversation(r.Context(), req.Conversation); err != nil {
			s.writeError(w, err)
			return
		}
		for userID, role := range req.Members {
			if role == models.RoleNone {
				role = models.RoleMember
			}
			if err := s.deps.Store.AddMember(r.Context(), req.ID, userID, role); err != nil {
				s.writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, req.Conversation)
	}
}

func (s *Server) handleIssueToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&req); err != nil || req.UserID == "" {
			s.writeError(w, apperrors.NewValidationError("user_id", "user_id is required"))
			return
		}
		token, expiresAt, err := s.deps.Auth.Issue(req.UserID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expiresAt})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	appErr, ok := apperrors.As(err)
	if ok {
		switch appErr.Code {
		case apperrors.ErrCodeValidationFailed:
			code = http.StatusBadRequest
		case apperrors.ErrCodeNotFound:
			code = http.StatusNotFound
		case apperrors.ErrCodeAuthorization:
			code = http.StatusForbidden
		}
	} else {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternalError, "internal error")
	}
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Admin request failed")
	}
	writeJSON(w, code, map[string]string{"code": string(appErr.Code), "message": appErr.Message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
