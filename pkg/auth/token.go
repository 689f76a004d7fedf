package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"aligniq/pkg/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotJiraToken = errors.New("token is not jira scoped")
)

// Claims is the AlignIQ access-token payload. Provider distinguishes a
// regular app token from a Jira-scoped token that carries the Atlassian
// access token for proxy calls.
type Claims struct {
	Email           string `json:"email,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Picture         string `json:"picture,omitempty"`
	VerifiedEmail   bool   `json:"verified_email,omitempty"`
	JiraAccessToken string `json:"jira_access_token,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer from a shared secret and token lifetime.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue creates an access token for a user.
func (t *TokenIssuer) Issue(user domain.User) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email:         user.Email,
		Provider:      string(user.Provider),
		Picture:       user.Picture,
		VerifiedEmail: user.VerifiedEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return t.sign(claims)
}

// IssueJira creates a Jira-scoped token wrapping the Atlassian access token.
func (t *TokenIssuer) IssueJira(userID, atlassianToken string) (string, error) {
	if strings.TrimSpace(atlassianToken) == "" {
		return "", errors.New("atlassian access token required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Provider:        string(domain.ProviderJira),
		JiraAccessToken: atlassianToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return t.sign(claims)
}

func (t *TokenIssuer) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(token string) (Claims, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// VerifyJira validates a Jira-scoped token and returns the claims, rejecting
// tokens issued for any other provider.
func (t *TokenIssuer) VerifyJira(token string) (Claims, error) {
	claims, err := t.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Provider != string(domain.ProviderJira) || claims.JiraAccessToken == "" {
		return Claims{}, ErrNotJiraToken
	}
	return claims, nil
}
