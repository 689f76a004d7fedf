// Package apiclient is the HTTP layer shared by the SDK services. It
// attaches the bearer token and CSRF header to every request and maps
// error responses to *APIError. A 401 purges the stored tokens and
// fires the configured unauthorized callback.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"aligniq/client/tokenstore"
)

const csrfCookieName = "csrf_token"

// APIError carries the HTTP status and the server's message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client wraps *http.Client with a cookie jar and session headers.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	streamClient   *http.Client
	tokens         tokenstore.Store
	onUnauthorized func()
}

// Config for New. OnUnauthorized may be nil.
type Config struct {
	BaseURL        string
	Tokens         tokenstore.Store
	OnUnauthorized func()
	Timeout        time.Duration
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token store required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:        base,
		httpClient:     &http.Client{Jar: jar, Timeout: timeout},
		streamClient:   &http.Client{Jar: jar},
		tokens:         cfg.Tokens,
		onUnauthorized: cfg.OnUnauthorized,
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Tokens returns the injected token store.
func (c *Client) Tokens() tokenstore.Store { return c.tokens }

// NewRequest builds a request for path (joined to the base URL) with
// the bearer token, if any, and the CSRF header on non-GET methods.
// The CSRF header is sent even when the cookie is absent, with an
// empty value, mirroring how the server distinguishes a missing
// header from a stale one.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, err
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.Header.Set("X-CSRF-Token", c.csrfToken())
	}
	return req, nil
}

func (c *Client) csrfToken() string {
	for _, cookie := range c.httpClient.Jar.Cookies(c.baseURL) {
		if cookie.Name == csrfCookieName {
			return cookie.Value
		}
	}
	return ""
}

// Do sends the request. Non-2xx responses are drained and returned as
// *APIError; on 401 the stored auth tokens are purged and the
// unauthorized callback runs once. The caller owns the body of
// successful responses.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	msg := readErrorMessage(resp)
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.tokens.ClearAuth()
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}
	return nil, &APIError{Status: resp.StatusCode, Message: msg}
}

// DoStream sends the request on a client with no response timeout,
// for long-lived bodies like the status event stream. Error mapping
// matches Do.
func (c *Client) DoStream(req *http.Request) (*http.Response, error) {
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	msg := readErrorMessage(resp)
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.tokens.ClearAuth()
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}
	return nil, &APIError{Status: resp.StatusCode, Message: msg}
}

// JSON performs a request with optional JSON body and decodes the
// response into out (ignored when out is nil).
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PrimeCSRF issues a safe request so the server sets the csrf_token
// cookie before the first mutating call.
func (c *Client) PrimeCSRF(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// readErrorMessage pulls the message out of {"detail": ...} or
// {"error": ...} bodies, falling back to the raw body or status text.
func readErrorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	var parsed struct {
		Detail string `json:"detail"`
		Err    string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Err != "" {
			return parsed.Err
		}
	}
	return strings.TrimSpace(string(data))
}
