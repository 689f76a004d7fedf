package auth

import (
	"testing"
	"time"

	"aligniq/pkg/domain"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	user := domain.User{
		ID:       "user-1",
		Email:    "u@example.com",
		Provider: domain.ProviderLocal,
	}
	token, err := issuer.Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if claims.Email != "u@example.com" {
		t.Fatalf("email = %q", claims.Email)
	}
	if claims.Provider != string(domain.ProviderLocal) {
		t.Fatalf("provider = %q", claims.Provider)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	issuer.ttl = -time.Minute
	token, err := issuer.Issue(domain.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewTokenIssuer("secret-a", time.Hour)
	other, _ := NewTokenIssuer("secret-b", time.Hour)
	token, err := issuer.Issue(domain.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("expected token signed with different secret to be rejected")
	}
}

func TestVerifyJiraRequiresJiraProvider(t *testing.T) {
	issuer, _ := NewTokenIssuer("test-secret", time.Hour)

	appToken, err := issuer.Issue(domain.User{ID: "user-1", Provider: domain.ProviderLocal})
	if err != nil {
		t.Fatalf("issue app token: %v", err)
	}
	if _, err := issuer.VerifyJira(appToken); err != ErrNotJiraToken {
		t.Fatalf("app token should be rejected as jira token, got %v", err)
	}

	jiraToken, err := issuer.IssueJira("user-1", "atlassian-access")
	if err != nil {
		t.Fatalf("issue jira token: %v", err)
	}
	claims, err := issuer.VerifyJira(jiraToken)
	if err != nil {
		t.Fatalf("verify jira token: %v", err)
	}
	if claims.JiraAccessToken != "atlassian-access" {
		t.Fatalf("jira access token = %q", claims.JiraAccessToken)
	}
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("correct password should verify")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("wrong password should not verify")
	}
	if CheckPassword("s3cret", "not-a-hash") {
		t.Fatalf("malformed hash should not verify")
	}
}
