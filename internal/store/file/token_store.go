package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// TokenStore implements domain.TokenStore with one small file per
// credential holding the last issued token in decimal.
type TokenStore struct {
	c *Client
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(c *Client) *TokenStore {
	return &TokenStore{c: c}
}

func (s *TokenStore) file(credential string) string {
	return s.c.path("tokens", safeName(credential)+".token")
}

// Load returns the last persisted token for credential.
func (s *TokenStore) Load(_ context.Context, credential string) (uint64, error) {
	path := s.file(credential)
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("filestore: read token %s: %w", credential, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("filestore: parse token %s: %w: %v", credential, domain.ErrCorruptState, err)
	}
	return v, nil
}

// Save durably records value as the last issued token.
func (s *TokenStore) Save(_ context.Context, credential string, value uint64) error {
	path := s.file(credential)
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()

	if err := writeFileAtomic(path, []byte(strconv.FormatUint(value, 10)+"\n")); err != nil {
		return fmt.Errorf("filestore: write token %s: %w", credential, err)
	}
	return nil
}
