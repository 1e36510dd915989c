package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"airthings-bridge/internal/client"
	"airthings-bridge/internal/config"

	"github.com/sirupsen/logrus"
)

// LoginDetails is the identity/secret pair used for the password grant.
// Treated as immutable; replace it wholesale via Manager.SetLoginDetails.
type LoginDetails struct {
	Username string
	Password string
}

// TokenDetails holds an issued access token. ExpiresAt is computed once at
// construction from the server-declared TTL and never recomputed.
type TokenDetails struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`

	ExpiresAt time.Time `json:"-"`
}

// Expired reports whether the token has passed its expiry time
func (t *TokenDetails) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AuthError indicates a failed login or token renewal. The cached token is
// left unchanged when it occurs.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// tokenRequest is the password-grant payload for the accounts token endpoint
type tokenRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type"`
	ClientID  string `json:"client_id"`
}

// Manager owns the current credential and performs renewals. It implements
// client.TokenProvider. The check-and-renew sequence runs under a single
// mutex, so N concurrent callers trigger at most one network renewal and
// queue behind it.
type Manager struct {
	mu sync.Mutex

	httpClient *http.Client
	tokenURL   string
	logger     *logrus.Logger

	login LoginDetails
	token *TokenDetails

	now func() time.Time
}

var _ client.TokenProvider = (*Manager)(nil)

// NewManager creates a token manager for the given login details
func NewManager(cfg *config.Config, login LoginDetails, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Manager{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   strings.TrimSuffix(cfg.AccountsBaseURL, "/") + "/token",
		logger:     logger,
		login:      login,
		now:        time.Now,
	}, nil
}

// LoginDetails returns the current identity
func (m *Manager) LoginDetails() LoginDetails {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.login
}

// SetLoginDetails replaces the identity and drops the cached token, so the
// next GetAccessToken performs a fresh login under the new identity.
func (m *Manager) SetLoginDetails(login LoginDetails) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.login = login
	m.token = nil
}

// GetAccessToken returns a currently valid access token, transparently
// renewing it if absent or expired
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	details, err := m.GetTokenDetails(ctx)
	if err != nil {
		return "", err
	}
	return details.AccessToken, nil
}

// GetTokenDetails returns the current token, renewing it if necessary
func (m *Manager) GetTokenDetails(ctx context.Context) (*TokenDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldRenew() {
		if err := m.renewLocked(ctx); err != nil {
			return nil, err
		}
	}

	return m.token, nil
}

// ForceRenew unconditionally performs a new auth request, replacing the
// cached token. Used for explicit re-login and initial bootstrap.
func (m *Manager) ForceRenew(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.renewLocked(ctx)
}

// shouldRenew must be called with the mutex held
func (m *Manager) shouldRenew() bool {
	return m.token == nil || m.token.Expired(m.now())
}

// renewLocked performs the token request and replaces the cached token on
// success. A failed renewal leaves the cached token as-is. Must be called
// with the mutex held.
func (m *Manager) renewLocked(ctx context.Context) error {
	m.logger.WithField("username", m.login.Username).Debug("Performing auth request")

	body, err := json.Marshal(&tokenRequest{
		Username:  m.login.Username,
		Password:  m.login.Password,
		GrantType: "password",
		ClientID:  "accounts",
	})
	if err != nil {
		return &AuthError{Err: fmt.Errorf("failed to marshal token request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(body))
	if err != nil {
		return &AuthError{Err: fmt.Errorf("failed to create token request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return &AuthError{Err: &client.TransportError{Op: "POST /token", Err: err}}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AuthError{Err: &client.TransportError{Op: "POST /token", Err: err}}
	}

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Err: client.ParseAPIError(resp.StatusCode, resp.Status, respBody)}
	}

	issuedAt := m.now()

	var token TokenDetails
	if err := json.Unmarshal(respBody, &token); err != nil {
		return &AuthError{Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	token.ExpiresAt = issuedAt.Add(time.Duration(token.ExpiresIn) * time.Second)

	m.token = &token
	m.logger.WithField("expires_at", token.ExpiresAt).Debug("Access token renewed")

	return nil
}
