package nestauth

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/statestore"
)

const (
	// DefaultTokenURL is the Google OAuth2 token endpoint
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	// defaultExpiryBuffer is the safety margin before actual token
	// expiry that triggers a proactive refresh
	defaultExpiryBuffer = time.Second * 300
)

// State keys in the durable store
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenExpiry  = "token_expiry"
)

var (
	// ErrNotAuthenticated means no refresh token has ever been
	// supplied; callers fail fast rather than attempting a refresh
	ErrNotAuthenticated = errors.New("not authenticated: no refresh token")

	// ErrAuthentication means the provider rejected our credentials
	ErrAuthentication = errors.New("authentication rejected")

	// ErrConnection means a transport-level or non-auth HTTP failure
	ErrConnection = errors.New("connection error")
)

// Credentials are the immutable OAuth client parameters for the
// process
type Credentials struct {
	ClientID     string
	ClientSecret string
	ProjectID    string
}

// Manager owns the access/refresh token pair and its expiry,
// refreshing through the OAuth token endpoint and persisting every
// change through the state store.
type Manager struct {
	creds        Credentials
	tokenURL     string
	expiryBuffer time.Duration
	store        *statestore.Store
	httpClient   *http.Client

	mu    sync.Mutex
	token oauth2.Token
}

func New(creds Credentials, store *statestore.Store) *Manager {
	return &Manager{
		creds:        creds,
		tokenURL:     DefaultTokenURL,
		expiryBuffer: defaultExpiryBuffer,
		store:        store,
		httpClient:   &http.Client{Timeout: time.Second * 30},
	}
}

func (m *Manager) WithTokenURL(u string) *Manager {
	m.tokenURL = u
	return m
}

func (m *Manager) WithExpiryBuffer(d time.Duration) *Manager {
	m.expiryBuffer = d
	return m
}

func (m *Manager) WithHTTPClient(c *http.Client) *Manager {
	m.httpClient = c
	return m
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens/secrets when stringified
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("ClientID [%s], clientSecret [%s], accessToken [%s], refreshToken [%s], expiry [%s]",
		m.creds.ClientID, hashOf(m.creds.ClientSecret),
		hashOf(m.token.AccessToken), hashOf(m.token.RefreshToken), m.token.Expiry)
}

// Load restores the persisted token state, seeding the refresh token
// from configuration when the store has never held one.
func (m *Manager) Load(configRefreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = oauth2.Token{
		AccessToken:  m.store.GetString(keyAccessToken, ""),
		RefreshToken: m.store.GetString(keyRefreshToken, ""),
	}

	if exp := m.store.GetString(keyTokenExpiry, ""); exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			m.token.Expiry = t
		}
	}

	if m.token.RefreshToken == "" && configRefreshToken != "" {
		m.token.RefreshToken = configRefreshToken
		m.persistLocked()
	}
}

// Authenticated reports whether a refresh token is known.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token.RefreshToken != ""
}

// AccessToken returns a valid bearer token, refreshing first when the
// token is absent or inside the expiry buffer.  When no refresh token
// has ever been supplied it returns ErrNotAuthenticated so callers
// can degrade instead of treating it as a fault.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()

	if tok.AccessToken != "" && !tok.Expiry.IsZero() {
		if tok.Expiry.After(time.Now().Add(m.expiryBuffer)) {
			return tok.AccessToken, nil
		}
	}

	if tok.RefreshToken == "" {
		return "", ErrNotAuthenticated
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token.AccessToken, nil
}

// tokenResponse is the OAuth token endpoint grant response
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Refresh executes a refresh_token grant against the token endpoint.
// Success rotates the refresh token only when the provider supplies a
// new one.  A 401/403 clears all token state and persists the clear,
// forcing re-authentication.  Any other failure leaves the existing
// tokens untouched and surfaces as a connection error.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	refreshToken := m.token.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		return ErrNotAuthenticated
	}

	form := url.Values{
		"client_id":     {m.creds.ClientID},
		"client_secret": {m.creds.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "building token refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrConnection, "executing refresh token grant: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(ErrConnection, "reading token response body: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logging.Logger(ctx).Warnf("refresh token rejected (%d), clearing token state", resp.StatusCode)
		m.Clear()
		return errors.Wrapf(ErrAuthentication, "token endpoint returned %d: %s", resp.StatusCode, bodyBytes)

	case resp.StatusCode != http.StatusOK:
		return errors.Wrapf(ErrConnection, "non-200 code from token endpoint: %d (%s): %s",
			resp.StatusCode, resp.Status, bodyBytes)
	}

	tr := tokenResponse{}
	if err := json.Unmarshal(bodyBytes, &tr); err != nil {
		return errors.Wrapf(ErrConnection, "decoding token response: %v", err)
	}

	m.mu.Lock()
	m.token.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		// provider only rotates the refresh token sometimes
		m.token.RefreshToken = tr.RefreshToken
	}
	m.token.Expiry = time.Now().Add(time.Second * time.Duration(tr.ExpiresIn))
	m.persistLocked()
	m.mu.Unlock()

	logging.Logger(ctx).Debug("access token refreshed")
	return nil
}

// Clear drops all token state and persists the clear.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = oauth2.Token{}
	m.persistLocked()
}

// persistLocked writes the token fields through the state store.
// Callers hold m.mu; the store serializes its own mutation.
func (m *Manager) persistLocked() {
	expiry := ""
	if !m.token.Expiry.IsZero() {
		expiry = m.token.Expiry.Format(time.RFC3339)
	}

	m.store.Set(keyAccessToken, m.token.AccessToken, false)
	m.store.Set(keyRefreshToken, m.token.RefreshToken, false)
	m.store.Set(keyTokenExpiry, expiry, true)
}
