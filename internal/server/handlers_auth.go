package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"aligniq/internal/app"
	"aligniq/internal/util"
	"aligniq/pkg/domain"
)

type registrationRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

type loginRequest struct {
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuthAttempt(w, r, "registration") {
		return
	}
	var req registrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name := req.GivenName
	if req.FamilyName != "" {
		name += " " + req.FamilyName
	}
	_, token, err := s.app.SignUp(req.Email, req.Password, name)
	if err != nil {
		if errors.Is(err, app.ErrEmailAlreadyExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuthAttempt(w, r, "login") {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	_, token, err := s.app.Login(req.EmailAddress, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrUnknownEmail):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, app.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_details": user})
}

// allowAuthAttempt applies the per-IP fixed window on credential
// endpoints. No limiter configured means no limit.
func (s *Server) allowAuthAttempt(w http.ResponseWriter, r *http.Request, action string) bool {
	if s.loginLimiter == nil {
		return true
	}
	if s.loginLimiter.AllowAction(action, util.ClientIP(r, nil)) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(s.loginLimiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, "too many attempts, retry later")
	return false
}
