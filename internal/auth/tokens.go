package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/daviddao/outreach/internal/types"
	"golang.org/x/oauth2"
)

const serviceName = "outreach"

// KeyringConfig selects where OAuth tokens are kept.
type KeyringConfig struct {
	// Dir holds the encrypted file backend when no OS keyring is
	// available.
	Dir string `mapstructure:"dir"`

	// FilePassword unlocks the file backend.
	FilePassword string `mapstructure:"file_password"`
}

// TokenStore keeps one OAuth token per user in a keyring.
type TokenStore struct {
	ring keyring.Keyring
}

// OpenTokenStore opens the system keyring, falling back to an encrypted
// file under cfg.Dir.
func OpenTokenStore(cfg KeyringConfig) (*TokenStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.Dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewTokenStore(ring), nil
}

// NewTokenStore wraps an already opened keyring.
func NewTokenStore(ring keyring.Keyring) *TokenStore {
	return &TokenStore{ring: ring}
}

func tokenKey(userID string) string {
	return "token:" + userID
}

// Load returns the user's token, or types.ErrNotConnected if none is
// stored.
func (s *TokenStore) Load(userID string) (*oauth2.Token, error) {
	item, err := s.ring.Get(tokenKey(userID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("no token for %s: %w", userID, types.ErrNotConnected)
	}
	if err != nil {
		return nil, fmt.Errorf("getting token for %s: %w", userID, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("parse token for %s: %w", userID, err)
	}
	return &tok, nil
}

// Save stores the user's token, replacing any previous one.
func (s *TokenStore) Save(userID string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	err = s.ring.Set(keyring.Item{
		Key:         tokenKey(userID),
		Data:        data,
		Label:       "outreach gmail token",
		Description: userID,
	})
	if err != nil {
		return fmt.Errorf("setting token for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's token. Deleting a missing token is not an
// error.
func (s *TokenStore) Delete(userID string) error {
	err := s.ring.Remove(tokenKey(userID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token for %s: %w", userID, err)
	}
	return nil
}

// savingTokenSource persists every token it hands out that differs from
// the last one, so refreshed access tokens survive restarts.
type savingTokenSource struct {
	mu     sync.Mutex
	src    oauth2.TokenSource
	store  *TokenStore
	userID string
	last   string
	onErr  func(error)
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(s.userID, tok); err != nil && s.onErr != nil {
			s.onErr(err)
		}
	}
	return tok, nil
}
