package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// issueResponse is the body returned by the feed's auth issue endpoint.
type issueResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// apiKeyTokenSource exchanges a long-lived API key for a short-lived JWT.
type apiKeyTokenSource struct {
	issueURL string
	apiKey   string
	http     *http.Client
}

// NewAPIKeyTokenSource returns a TokenSource that issues feed tokens from
// authURL and reuses each one until it expires.
func NewAPIKeyTokenSource(authURL, apiKey string, timeout time.Duration) oauth2.TokenSource {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return oauth2.ReuseTokenSource(nil, &apiKeyTokenSource{
		issueURL: strings.TrimRight(authURL, "/") + "/v1/auth/issue",
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	})
}

// Token implements oauth2.TokenSource.
func (s *apiKeyTokenSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"api_key": s.apiKey})
	if err != nil {
		return nil, fmt.Errorf("marshal issue request: %w", err)
	}

	resp, err := s.http.Post(s.issueURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("issue token at %s: %w", s.issueURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read issue response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out issueResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode issue response: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("auth endpoint returned an empty token")
	}

	expiry := time.Unix(out.ExpiresAt, 0)
	if out.ExpiresAt == 0 {
		if expiry, err = jwtExpiry(out.Token); err != nil {
			return nil, err
		}
	}
	return &oauth2.Token{AccessToken: out.Token, TokenType: "Bearer", Expiry: expiry}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only ever presented back to its issuer.
func jwtExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse feed token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
