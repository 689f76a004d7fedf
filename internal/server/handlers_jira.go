package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"aligniq/internal/jira"
	"aligniq/pkg/domain"
)

// jiraAccessToken unwraps the Jira-scoped app token from the
// Jira-Authorization header.
func (s *Server) jiraAccessToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Jira-Authorization"))
	if header == "" {
		writeError(w, http.StatusUnauthorized, "Jira authorization header is required")
		return "", false
	}
	header = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	accessToken, err := s.app.JiraAccessToken(header)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid jira authorization")
		return "", false
	}
	return accessToken, true
}

func writeJiraError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jira.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "jira rejected the credentials")
	case errors.Is(err, jira.ErrNotFound), errors.Is(err, jira.ErrNoSite):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, "jira request failed")
	}
}

func (s *Server) handleJiraIssues(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	accessToken, ok := s.jiraAccessToken(w, r)
	if !ok {
		return
	}
	issues, err := s.jira.ListAssignedIssues(r.Context(), accessToken)
	if err != nil {
		writeJiraError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleJiraSingleIssue(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/jira/get_single_issue/")
	if key == "" || strings.Contains(key, "/") {
		http.NotFound(w, r)
		return
	}
	accessToken, ok := s.jiraAccessToken(w, r)
	if !ok {
		return
	}
	issue, err := s.jira.GetIssue(r.Context(), accessToken, key)
	if err != nil {
		writeJiraError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// handleJiraDownload streams attachment bytes straight through to the
// caller.
func (s *Server) handleJiraDownload(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	issueKey := strings.TrimSpace(query.Get("issue_key"))
	if issueKey == "" {
		writeError(w, http.StatusBadRequest, "issue_key is required")
		return
	}
	attachmentID := strings.TrimSpace(query.Get("attachment_id"))
	filename := strings.TrimSpace(query.Get("download_file_name"))
	if attachmentID == "" && filename == "" {
		writeError(w, http.StatusBadRequest, "attachment_id or download_file_name is required")
		return
	}
	accessToken, ok := s.jiraAccessToken(w, r)
	if !ok {
		return
	}
	body, att, err := s.jira.DownloadAttachment(r.Context(), accessToken, issueKey, attachmentID, filename)
	if err != nil {
		writeJiraError(w, err)
		return
	}
	defer body.Close()

	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
