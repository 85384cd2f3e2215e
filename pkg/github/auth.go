package github

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// appTransport authenticates requests as a GitHub App installation:
// a short-lived RS256 App JWT is exchanged for an installation token,
// which is cached and refreshed shortly before it expires.
type appTransport struct {
	base           http.RoundTripper
	appID          string
	installationID string
	key            jwk.Key
	apiBase        string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newAppTransport(appID, privateKeyPEM, installationID, baseURL string) (*appTransport, error) {
	if privateKeyPEM == "" || installationID == "" {
		return nil, fmt.Errorf("github: App auth requires private key and installation id")
	}
	key, err := jwk.ParseKey([]byte(privateKeyPEM), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("github: failed to parse App private key: %w", err)
	}

	apiBase := "https://api.github.com"
	if baseURL != "" {
		apiBase = strings.TrimSuffix(baseURL, "/")
	}

	return &appTransport{
		base:           http.DefaultTransport,
		appID:          appID,
		installationID: installationID,
		key:            key,
		apiBase:        apiBase,
	}, nil
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.installationToken()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+token)
	return t.base.RoundTrip(clone)
}

// installationToken returns a valid installation token, exchanging a
// fresh App JWT when the cached token is within a minute of expiry.
func (t *appTransport) installationToken() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expires) > time.Minute {
		return t.token, nil
	}

	appJWT, err := t.signAppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", t.apiBase, t.installationID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("github: failed to build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return "", fmt.Errorf("github: token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("token exchange: %s", strings.TrimSpace(string(body)))}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("github: failed to decode token response: %w", err)
	}

	t.token = payload.Token
	t.expires = payload.ExpiresAt
	return t.token, nil
}

// signAppJWT produces the short-lived App JWT. Issued-at is backdated
// one minute to absorb clock skew, per GitHub's guidance.
func (t *appTransport) signAppJWT() (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(t.appID).
		IssuedAt(now.Add(-time.Minute)).
		Expiration(now.Add(9 * time.Minute)).
		Build()
	if err != nil {
		return "", fmt.Errorf("github: failed to build App JWT: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, t.key))
	if err != nil {
		return "", fmt.Errorf("github: failed to sign App JWT: %w", err)
	}
	return string(signed), nil
}
