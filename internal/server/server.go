// Package server exposes the HTTP API: auth, conversation history,
// uploads with live analysis status, chat turns, and the Jira proxy.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"aligniq/internal/app"
	"aligniq/internal/jira"
	"aligniq/internal/ratelimit"
	"aligniq/pkg/domain"
	"aligniq/pkg/queue"
	"aligniq/pkg/status"
)

// TaskReader reads task snapshots for the status endpoints.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (queue.TaskStatus, bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App    *app.App
	Broker status.Broker
	Tasks  TaskReader
	Jira   *jira.Client

	// Optional: nil disables the feature.
	LoginLimiter *ratelimit.AuthLimiter
	GoogleOAuth  *oauth2.Config
	JiraOAuth    *oauth2.Config

	// GoogleUserInfoURL overrides the userinfo endpoint in tests.
	GoogleUserInfoURL string
}

// Server exposes HTTP endpoints for the AlignIQ API.
type Server struct {
	app               *app.App
	broker            status.Broker
	tasks             TaskReader
	jira              *jira.Client
	loginLimiter      *ratelimit.AuthLimiter
	googleOAuth       *oauth2.Config
	jiraOAuth         *oauth2.Config
	googleUserInfoURL string
	oauthStates       *stateStore
	mux               *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	userInfoURL := strings.TrimSpace(cfg.GoogleUserInfoURL)
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	s := &Server{
		app:               cfg.App,
		broker:            cfg.Broker,
		tasks:             cfg.Tasks,
		jira:              cfg.Jira,
		loginLimiter:      cfg.LoginLimiter,
		googleOAuth:       cfg.GoogleOAuth,
		jiraOAuth:         cfg.JiraOAuth,
		googleUserInfoURL: userInfoURL,
		oauthStates:       newStateStore(),
		mux:               http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with CSRF protection applied.
func (s *Server) Router() http.Handler {
	return withCSRF(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/registration", s.handleRegistration)
	s.mux.HandleFunc("/login", s.handleLogin)
	s.mux.HandleFunc("/auth/login", s.handleGoogleLogin)
	s.mux.HandleFunc("/auth/callback", s.handleGoogleCallback)
	s.mux.HandleFunc("/auth/jira/login", s.handleJiraLogin)
	s.mux.HandleFunc("/auth/jira/callback", s.handleJiraCallback)
	s.mux.Handle("/validate", s.authenticated(s.handleValidate))

	// conversations + chat
	s.mux.Handle("/chat", s.authenticated(s.handleChatCollection))
	s.mux.Handle("/chat/message", s.authenticated(s.handleChatMessage))
	s.mux.Handle("/chat/", s.authenticated(s.handleChatByID))

	// documents + processing
	s.mux.Handle("/upload/", s.authenticated(s.handleUpload))
	s.mux.Handle("/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.HandleFunc("/status/", s.handleStatus)

	// jira proxy
	s.mux.Handle("/jira/get_issues", s.authenticated(s.handleJiraIssues))
	s.mux.Handle("/jira/get_single_issue/", s.authenticated(s.handleJiraSingleIssue))
	s.mux.Handle("/jira/download_attachments", s.authenticated(s.handleJiraDownload))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
