package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// refreshTimeout bounds the token refresh round trip.
	refreshTimeout = 10 * time.Second
)

var (
	// ErrNotAuthenticated means no stored credentials exist.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRefreshFailed means the refresh round trip did not yield a token;
	// the user must log in again.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Identity is the authenticated user as supplied by the login flow.
type Identity struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	AccessToken string `json:"accessToken"`
}

// Manager owns the credential blob on disk and the device identity. The blob
// is treated as opaque: the login flow stores it, the manager only reads,
// rewrites, or clears it.
type Manager struct {
	path       string
	serverURL  string
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.Mutex
	identity *Identity
	deviceID string
}

// NewManager creates a credential manager rooted at path.
func NewManager(path, serverURL string, httpClient *http.Client, logger zerolog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}
	return &Manager{
		path:       path,
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "auth").Logger(),
	}
}

// Load reads stored credentials. Returns ErrNotAuthenticated when none exist.
func (m *Manager) Load() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return m.identity, nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if id.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}

	m.identity = &id
	return m.identity, nil
}

// Store persists credentials with owner-only permissions.
func (m *Manager) Store(id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	m.identity = &id
	m.logger.Info().Str("user_id", id.UserID).Msg("Credentials stored")
	return nil
}

// Clear removes stored credentials.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.identity = nil
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// TokenExpired reports whether the stored access token carries an exp claim
// in the past. The token is not verified here; the remote authority is the
// judge of validity, this only pre-empts round trips with obviously dead
// tokens.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

// Refresh exchanges the current access token for a new one. On success the
// stored credentials are updated. Exactly one attempt; a failure means the
// user must re-authenticate.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	id, err := m.Load()
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"userId": id.UserID,
		"token":  id.AccessToken,
	})
	if err != nil {
		return "", fmt.Errorf("encode refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/renewToken", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+id.AccessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.Token == "" {
		return "", ErrRefreshFailed
	}

	refreshed := *id
	refreshed.AccessToken = out.Token

	m.mu.Lock()
	m.identity = &refreshed
	m.mu.Unlock()

	if err := m.persist(refreshed); err != nil {
		m.logger.Warn().Err(err).Msg("Refreshed token not persisted")
	}

	m.logger.Info().Msg("Access token refreshed")
	return out.Token, nil
}

func (m *Manager) persist(id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0600)
}

// DeviceID returns the stable device identifier, generating and persisting
// one on first use.
func (m *Manager) DeviceID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceID != "" {
		return m.deviceID, nil
	}

	path := m.path + ".device"
	data, err := os.ReadFile(path)
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		m.deviceID = string(bytes.TrimSpace(data))
		return m.deviceID, nil
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create credential directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}

	m.deviceID = id
	m.logger.Info().Str("device_id", id).Msg("Generated device identifier")
	return id, nil
}
