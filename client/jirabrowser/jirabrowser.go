// Package jirabrowser is the read-only Jira view of the SDK: assigned
// issues, a detail view with flattened rich-text bodies, and
// attachment import into the document processor's staging list.
package jirabrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"aligniq/client/apiclient"
	"aligniq/client/processor"
	"aligniq/client/tokenstore"
	"aligniq/internal/analysis"
	"aligniq/pkg/domain"
)

// ErrNotConnected means no Jira authorization is stored; the user has
// to run the Jira OAuth flow first.
var ErrNotConnected = errors.New("jirabrowser: jira account not connected")

// ErrUnsupportedAttachment rejects attachment types the analysis
// pipeline cannot read. No request is made for them.
var ErrUnsupportedAttachment = errors.New("jirabrowser: unsupported attachment type")

// Stager receives imported attachments. *processor.Controller fits.
type Stager interface {
	Stage(files ...processor.StagedFile) error
}

// Browser proxies Jira reads through the API server.
type Browser struct {
	api    *apiclient.Client
	tokens tokenstore.Store
	stager Stager
}

func New(api *apiclient.Client, tokens tokenstore.Store, stager Stager) *Browser {
	return &Browser{api: api, tokens: tokens, stager: stager}
}

// Connected reports whether a Jira authorization is stored.
func (b *Browser) Connected() bool {
	return b.tokens.Get(tokenstore.KeyJiraAuthorization) != ""
}

func (b *Browser) jiraRequest(ctx context.Context, path string) (*http.Request, error) {
	token := b.tokens.Get(tokenstore.KeyJiraAuthorization)
	if token == "" {
		return nil, ErrNotConnected
	}
	req, err := b.api.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Jira-Authorization", token)
	return req, nil
}

func (b *Browser) getJSON(ctx context.Context, path string, out any) error {
	req, err := b.jiraRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := b.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Issues lists the issues assigned to the connected account.
func (b *Browser) Issues(ctx context.Context) ([]domain.JiraIssue, error) {
	var envelope struct {
		Issues []domain.JiraIssue `json:"issues"`
	}
	if err := b.getJSON(ctx, "/jira/get_issues", &envelope); err != nil {
		return nil, err
	}
	return envelope.Issues, nil
}

// Issue loads one issue with comments.
func (b *Browser) Issue(ctx context.Context, key string) (domain.JiraIssue, error) {
	var issue domain.JiraIssue
	if err := b.getJSON(ctx, "/jira/get_single_issue/"+url.PathEscape(key), &issue); err != nil {
		return domain.JiraIssue{}, err
	}
	return issue, nil
}

// ImportAttachment downloads an attachment and stages it for
// processing. The extension is checked before any network call.
func (b *Browser) ImportAttachment(ctx context.Context, issueKey string, att domain.JiraAttachment) (processor.StagedFile, error) {
	if !analysis.ExtensionAllowed(att.Filename) {
		return processor.StagedFile{}, fmt.Errorf("%w: %s", ErrUnsupportedAttachment, att.Filename)
	}

	query := url.Values{}
	query.Set("issue_key", issueKey)
	query.Set("attachment_id", att.ID)
	query.Set("download_file_name", att.Filename)
	req, err := b.jiraRequest(ctx, "/jira/download_attachments?"+query.Encode())
	if err != nil {
		return processor.StagedFile{}, err
	}
	resp, err := b.api.Do(req)
	if err != nil {
		return processor.StagedFile{}, err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return processor.StagedFile{}, fmt.Errorf("download attachment: %w", err)
	}

	file := processor.StagedFile{Name: att.Filename, Content: content}
	if b.stager != nil {
		if err := b.stager.Stage(file); err != nil {
			return processor.StagedFile{}, err
		}
	}
	return file, nil
}

// FlattenDescription renders an issue body as plain text. Jira bodies
// arrive either as a string or as an Atlassian Document Format tree.
func FlattenDescription(body any) string {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		var sb strings.Builder
		flattenNode(body, &sb)
		return strings.TrimSpace(collapseBlankLines(sb.String()))
	}
}

// flattenNode walks an ADF tree: text nodes emit their text, block
// nodes separate with blank lines, list items get a literal bullet.
func flattenNode(node any, sb *strings.Builder) {
	switch v := node.(type) {
	case []any:
		for _, child := range v {
			flattenNode(child, sb)
		}
	case map[string]any:
		nodeType, _ := v["type"].(string)
		switch nodeType {
		case "text":
			if text, ok := v["text"].(string); ok {
				sb.WriteString(text)
			}
		case "hardBreak":
			sb.WriteString("\n")
		case "mention", "emoji":
			if attrs, ok := v["attrs"].(map[string]any); ok {
				if text, ok := attrs["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		case "listItem":
			var item strings.Builder
			flattenNode(v["content"], &item)
			sb.WriteString("\n- ")
			sb.WriteString(strings.Join(strings.Fields(item.String()), " "))
		case "paragraph", "heading":
			sb.WriteString("\n\n")
			flattenNode(v["content"], sb)
		default:
			flattenNode(v["content"], sb)
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
