package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"aligniq/client/tokenstore"
)

func TestBearerAndCSRFHeaders(t *testing.T) {
	var gotAuth, gotCSRF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: "csrf-abc", Path: "/"})
			w.WriteHeader(http.StatusOK)
		default:
			gotAuth = r.Header.Get("Authorization")
			gotCSRF = r.Header.Get("X-CSRF-Token")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	tokens := tokenstore.NewMemoryStore()
	tokens.Set(tokenstore.KeyRegularToken, "tok-1")
	client, err := New(Config{BaseURL: srv.URL, Tokens: tokens})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := client.PrimeCSRF(context.Background()); err != nil {
		t.Fatalf("PrimeCSRF: %v", err)
	}
	if err := client.JSON(context.Background(), http.MethodPost, "/chat", map[string]string{"title": "x"}, nil); err != nil {
		t.Fatalf("JSON POST: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCSRF != "csrf-abc" {
		t.Errorf("X-CSRF-Token = %q", gotCSRF)
	}
}

func TestMissingCSRFCookieSendsEmptyHeader(t *testing.T) {
	headerSet := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, headerSet = r.Header["X-Csrf-Token"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Tokens: tokenstore.NewMemoryStore()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := client.JSON(context.Background(), http.MethodPost, "/chat", map[string]string{}, nil); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !headerSet {
		t.Error("X-CSRF-Token header absent, want empty value present")
	}
}

func TestUnauthorizedPurgesTokensAndFiresCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid or expired token"}`))
	}))
	defer srv.Close()

	tokens := tokenstore.NewMemoryStore()
	tokens.Set(tokenstore.KeyToken, "stale")
	calls := 0
	client, err := New(Config{BaseURL: srv.URL, Tokens: tokens, OnUnauthorized: func() { calls++ }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = client.JSON(context.Background(), http.MethodGet, "/documents", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "invalid or expired token" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if tokens.Token() != "" {
		t.Error("tokens not purged on 401")
	}
	if calls != 1 {
		t.Errorf("unauthorized callback calls = %d, want 1", calls)
	}
}

func TestErrorMessageFromDetailBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":"Email already registered"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Tokens: tokenstore.NewMemoryStore()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = client.JSON(context.Background(), http.MethodPost, "/registration", map[string]string{}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Message != "Email already registered" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}
