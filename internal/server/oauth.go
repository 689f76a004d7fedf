package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"aligniq/internal/util"
	"aligniq/pkg/domain"
)

const (
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	oauthStateTTL            = 10 * time.Minute
)

// AtlassianEndpoint is the Atlassian 3LO OAuth endpoint pair.
var AtlassianEndpoint = oauth2.Endpoint{
	AuthURL:  "https://auth.atlassian.com/authorize",
	TokenURL: "https://auth.atlassian.com/oauth/token",
}

// stateStore tracks single-use OAuth states. The stored value carries
// the user id for flows (Jira link) started by an authenticated user.
type stateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
}

type stateEntry struct {
	userID    string
	expiresAt time.Time
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]stateEntry)}
}

func (s *stateStore) New(userID string) string {
	state := util.NewID() + util.NewID()
	s.mu.Lock()
	for key, entry := range s.states {
		if time.Now().After(entry.expiresAt) {
			delete(s.states, key)
		}
	}
	s.states[state] = stateEntry{userID: userID, expiresAt: time.Now().Add(oauthStateTTL)}
	s.mu.Unlock()
	return state
}

// Take consumes a state; a state validates at most once.
func (s *stateStore) Take(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[state]
	if !ok {
		return "", false
	}
	delete(s.states, state)
	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.userID, true
}

// handleGoogleLogin hands out the Google authorization URL.
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.googleOAuth == nil {
		writeError(w, http.StatusNotImplemented, "google login is not configured")
		return
	}
	state := s.oauthStates.New("")
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": s.googleOAuth.AuthCodeURL(state, oauth2.AccessTypeOnline),
	})
}

// handleGoogleCallback exchanges the code, resolves the Google profile,
// and issues an app token.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.googleOAuth == nil {
		writeError(w, http.StatusNotImplemented, "google login is not configured")
		return
	}
	if _, ok := s.oauthStates.Take(r.URL.Query().Get("state")); !ok {
		writeError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}
	token, err := s.googleOAuth.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	profile, err := s.fetchGoogleProfile(r, token)
	if err != nil {
		writeError(w, http.StatusBadGateway, "fetch google profile failed")
		return
	}
	user, appToken, err := s.app.LoginWithProvider(domain.ProviderGoogle, profile.Email, profile.Name, profile.Picture, profile.VerifiedEmail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": appToken,
		"token_type":   "bearer",
		"user":         user,
	})
}

type googleProfile struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	VerifiedEmail bool   `json:"verified_email"`
}

func (s *Server) fetchGoogleProfile(r *http.Request, token *oauth2.Token) (googleProfile, error) {
	client := s.googleOAuth.Client(r.Context(), token)
	resp, err := client.Get(s.googleUserInfoURL)
	if err != nil {
		return googleProfile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return googleProfile{}, fmt.Errorf("userinfo: %s: %s", resp.Status, body)
	}
	var profile googleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return googleProfile{}, err
	}
	return profile, nil
}

// handleJiraLogin starts the Atlassian flow for an authenticated user.
// The token travels as a query parameter because the original panel
// opens this URL in a new window.
func (s *Server) handleJiraLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.jiraOAuth == nil {
		writeError(w, http.StatusNotImplemented, "jira login is not configured")
		return
	}
	user, ok := s.app.UserFromToken(r.URL.Query().Get("token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	state := s.oauthStates.New(user.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": s.jiraOAuth.AuthCodeURL(state, oauth2.SetAuthURLParam("audience", "api.atlassian.com"), oauth2.SetAuthURLParam("prompt", "consent")),
	})
}

// handleJiraCallback exchanges the code and wraps the Atlassian access
// token in a Jira-scoped app token.
func (s *Server) handleJiraCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.jiraOAuth == nil {
		writeError(w, http.StatusNotImplemented, "jira login is not configured")
		return
	}
	userID, ok := s.oauthStates.Take(r.URL.Query().Get("state"))
	if !ok || userID == "" {
		writeError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}
	token, err := s.jiraOAuth.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	jiraToken, err := s.app.IssueJiraToken(userID, token.AccessToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue jira token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jira_authorization": jiraToken})
}
