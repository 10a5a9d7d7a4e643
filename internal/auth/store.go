package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

// TokenStore keeps OAuth refresh tokens encrypted at rest (AES-256-GCM),
// keyed by the hashed user key. The in-memory map holds ciphertext only.
type TokenStore struct {
	gcm cipher.AEAD

	mu     sync.RWMutex
	sealed map[string][]byte
}

// NewTokenStore derives a 256-bit key from secret. An empty secret is
// rejected: refresh tokens are never stored in the clear.
func NewTokenStore(secret []byte) (*TokenStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty token store secret")
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenStore{gcm: gcm, sealed: make(map[string][]byte)}, nil
}

// Put seals and stores a refresh token for userKey.
func (s *TokenStore) Put(userKey, refreshToken string) error {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	ct := s.gcm.Seal(nonce, nonce, []byte(refreshToken), []byte(userKey))
	s.mu.Lock()
	s.sealed[userKey] = ct
	s.mu.Unlock()
	return nil
}

// Get opens the stored refresh token for userKey.
func (s *TokenStore) Get(userKey string) (string, error) {
	s.mu.RLock()
	ct, ok := s.sealed[userKey]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("auth: no token for user")
	}
	if len(ct) < s.gcm.NonceSize() {
		return "", errors.New("auth: sealed token too short")
	}
	nonce, data := ct[:s.gcm.NonceSize()], ct[s.gcm.NonceSize():]
	pt, err := s.gcm.Open(nil, nonce, data, []byte(userKey))
	if err != nil {
		return "", fmt.Errorf("auth: open token: %w", err)
	}
	return string(pt), nil
}

// Delete drops the stored token for userKey.
func (s *TokenStore) Delete(userKey string) {
	s.mu.Lock()
	delete(s.sealed, userKey)
	s.mu.Unlock()
}

// Export returns the ciphertext map base64-encoded for persistence.
func (s *TokenStore) Export() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.sealed))
	for k, v := range s.sealed {
		out[k] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

// Import loads a previously exported ciphertext map. Tokens sealed under a
// different secret stay present but fail to open.
func (s *TokenStore) Import(data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range data {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("auth: import %q: %w", k, err)
		}
		s.sealed[k] = raw
	}
	return nil
}
