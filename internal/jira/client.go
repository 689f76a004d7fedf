// Package jira is a read-only client for the Atlassian cloud REST API,
// scoped to what the import panel needs: the caller's issues, one
// issue's detail, and attachment downloads.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aligniq/pkg/domain"
)

const defaultBaseURL = "https://api.atlassian.com"

var (
	ErrUnauthorized = errors.New("jira token rejected")
	ErrNotFound     = errors.New("jira resource not found")
	ErrNoSite       = errors.New("no accessible jira site")
)

// Client calls the Atlassian API on behalf of a user's OAuth access
// token. The token travels per call; the client itself is stateless and
// safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// UserInfo is the Atlassian identity behind an access token.
type UserInfo struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Picture     string `json:"picture"`
	AccountType string `json:"account_type"`
}

// Me resolves the token to its Atlassian account.
func (c *Client) Me(ctx context.Context, accessToken string) (UserInfo, error) {
	var info UserInfo
	if err := c.getJSON(ctx, accessToken, c.baseURL+"/me", nil, &info); err != nil {
		return UserInfo{}, err
	}
	return info, nil
}

type resource struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// cloudID resolves the token's first accessible site. Multi-site
// accounts use their primary site, matching how the issue browser
// presents a single backlog.
func (c *Client) cloudID(ctx context.Context, accessToken string) (string, error) {
	var resources []resource
	if err := c.getJSON(ctx, accessToken, c.baseURL+"/oauth/token/accessible-resources", nil, &resources); err != nil {
		return "", err
	}
	if len(resources) == 0 {
		return "", ErrNoSite
	}
	return resources[0].ID, nil
}

func (c *Client) apiURL(cloudID, path string) string {
	return fmt.Sprintf("%s/ex/jira/%s/rest/api/3%s", c.baseURL, cloudID, path)
}

// ListAssignedIssues returns the issues assigned to the token's user,
// with attachments included.
func (c *Client) ListAssignedIssues(ctx context.Context, accessToken string) ([]domain.JiraIssue, error) {
	cloudID, err := c.cloudID(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"jql":    {"assignee=currentUser()"},
		"fields": {"key,summary,description,attachment,status"},
	}
	var result searchResponse
	if err := c.getJSON(ctx, accessToken, c.apiURL(cloudID, "/search"), params, &result); err != nil {
		return nil, err
	}
	issues := make([]domain.JiraIssue, 0, len(result.Issues))
	for _, raw := range result.Issues {
		issues = append(issues, raw.toDomain())
	}
	return issues, nil
}

// GetIssue returns one issue with attachments and comments.
func (c *Client) GetIssue(ctx context.Context, accessToken, issueKey string) (domain.JiraIssue, error) {
	issueKey = strings.TrimSpace(issueKey)
	if issueKey == "" {
		return domain.JiraIssue{}, fmt.Errorf("issue key required")
	}
	cloudID, err := c.cloudID(ctx, accessToken)
	if err != nil {
		return domain.JiraIssue{}, err
	}
	params := url.Values{
		"fields": {"key,summary,description,attachment,comment,status"},
	}
	var raw rawIssue
	if err := c.getJSON(ctx, accessToken, c.apiURL(cloudID, "/issue/"+url.PathEscape(issueKey)), params, &raw); err != nil {
		return domain.JiraIssue{}, err
	}
	return raw.toDomain(), nil
}

// DownloadAttachment streams one attachment of an issue. The caller
// must close the reader. The attachment is located by id, or by
// filename when id is empty.
func (c *Client) DownloadAttachment(ctx context.Context, accessToken, issueKey, attachmentID, filename string) (io.ReadCloser, domain.JiraAttachment, error) {
	issue, err := c.GetIssue(ctx, accessToken, issueKey)
	if err != nil {
		return nil, domain.JiraAttachment{}, err
	}
	var match *domain.JiraAttachment
	for i := range issue.Attachments {
		a := &issue.Attachments[i]
		if attachmentID != "" && a.ID == attachmentID {
			match = a
			break
		}
		if attachmentID == "" && filename != "" && a.Filename == filename {
			match = a
			break
		}
	}
	if match == nil {
		return nil, domain.JiraAttachment{}, fmt.Errorf("%w: attachment on %s", ErrNotFound, issueKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, match.Content, nil)
	if err != nil {
		return nil, domain.JiraAttachment{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.JiraAttachment{}, fmt.Errorf("download attachment: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, domain.JiraAttachment{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, domain.JiraAttachment{}, fmt.Errorf("download attachment: %s", resp.Status)
	}
	return resp.Body, *match, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, rawURL string, params url.Values, out any) error {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jira request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jira api error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("jira decode: %w", err)
	}
	return nil
}

// Atlassian wire types.

type searchResponse struct {
	Issues []rawIssue `json:"issues"`
}

type rawIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Description any `json:"description"`
		Attachment  []struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
			MimeType string `json:"mimeType"`
			Size     int64  `json:"size"`
			Content  string `json:"content"`
		} `json:"attachment"`
		Comment struct {
			Comments []struct {
				ID     string `json:"id"`
				Author struct {
					DisplayName string `json:"displayName"`
				} `json:"author"`
				Body any `json:"body"`
			} `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

func (r rawIssue) toDomain() domain.JiraIssue {
	issue := domain.JiraIssue{
		ID:          r.ID,
		Key:         r.Key,
		Summary:     r.Fields.Summary,
		Status:      r.Fields.Status.Name,
		Description: r.Fields.Description,
		Attachments: make([]domain.JiraAttachment, 0, len(r.Fields.Attachment)),
	}
	for _, a := range r.Fields.Attachment {
		issue.Attachments = append(issue.Attachments, domain.JiraAttachment{
			ID:        a.ID,
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			SizeBytes: a.Size,
			Content:   a.Content,
		})
	}
	for _, cm := range r.Fields.Comment.Comments {
		issue.Comments = append(issue.Comments, domain.JiraComment{
			ID:     cm.ID,
			Author: cm.Author.DisplayName,
			Body:   cm.Body,
		})
	}
	return issue
}
