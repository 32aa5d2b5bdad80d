package broker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "adx-trader/internal/errors"
)

// TokenSet is the persisted broker session. Kite access tokens die at the
// next 06:00 IST; FeedToken mirrors AccessToken for the WebSocket feed.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	FeedToken    string    `json:"feed_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccessExpiry time.Time `json:"access_expiry"`
	FeedExpiry   time.Time `json:"feed_expiry,omitempty"`
}

// TokenManager persists the session token file. Saves are atomic: written to
// a temp file in the same directory, then renamed over the target.
type TokenManager struct {
	path string

	mu     sync.RWMutex
	cached *TokenSet
}

// NewTokenManager creates a manager for the token file at path.
func NewTokenManager(path string) *TokenManager {
	return &TokenManager{path: path}
}

// Load reads the token file. A missing file returns (nil, nil).
func (m *TokenManager) Load() (*TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewFileError("read", m.path, err)
	}
	var ts TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, apperrors.NewDeserialization(m.path, "invalid token file", err)
	}
	m.cached = &ts
	return &ts, nil
}

// Save atomically rewrites the token file with 0600 permissions.
func (m *TokenManager) Save(ts TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return apperrors.NewFileError("mkdir", dir, err)
	}
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return apperrors.NewFileWriteFailed(m.path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return apperrors.NewFileWriteFailed(m.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(m.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(m.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(m.path, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(m.path, err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(m.path, err)
	}

	m.cached = &ts
	return nil
}

// Current returns the cached token set, loading it on first use.
func (m *TokenManager) Current() *TokenSet {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()
	if cached != nil {
		return cached
	}
	ts, err := m.Load()
	if err != nil {
		return nil
	}
	return ts
}

// Valid reports whether a usable access token exists at t.
func (m *TokenManager) Valid(t time.Time) bool {
	ts := m.Current()
	return ts != nil && ts.AccessToken != "" && t.Before(ts.AccessExpiry)
}

// ExpiresIn returns how long the access token remains valid at t, zero when
// absent or expired.
func (m *TokenManager) ExpiresIn(t time.Time) time.Duration {
	ts := m.Current()
	if ts == nil || ts.AccessToken == "" {
		return 0
	}
	d := ts.AccessExpiry.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// Clear removes the token file and cache.
func (m *TokenManager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cached = nil
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return apperrors.NewFileError("remove", m.path, err)
	}
	return nil
}

// nextTokenExpiry returns the next 06:00 IST after t, when Kite invalidates
// access tokens.
func nextTokenExpiry(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	expiry := time.Date(local.Year(), local.Month(), local.Day(), 6, 0, 0, 0, loc)
	if !local.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry.UTC()
}
