package hat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when no access token has been stored yet
var ErrNoToken = errors.New("no HAT access token")

// Credentials supplies the access token and persists renewed tokens the HAT
// hands back in responses.
type Credentials interface {
	oauth2.TokenSource
	Save(token string) error
}

// Renewer is implemented by credentials that can obtain a fresh token after
// the HAT rejected the current one.
type Renewer interface {
	Renew(ctx context.Context) (*oauth2.Token, error)
}

// MemoryCredentials keeps the token in memory
type MemoryCredentials struct {
	mu    sync.RWMutex
	token string
	// RenewFunc, when set, is used to satisfy Renewer
	RenewFunc func(ctx context.Context) (string, error)
}

// NewMemoryCredentials returns credentials holding token
func NewMemoryCredentials(token string) *MemoryCredentials {
	return &MemoryCredentials{token: token}
}

// Token implements oauth2.TokenSource
func (m *MemoryCredentials) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: m.token}, nil
}

// Save implements Credentials
func (m *MemoryCredentials) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

// Renew implements Renewer
func (m *MemoryCredentials) Renew(ctx context.Context) (*oauth2.Token, error) {
	if m.RenewFunc == nil {
		return nil, errors.New("token renewal not configured")
	}
	tok, err := m.RenewFunc(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Save(tok); err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok}, nil
}

// FileCredentials keeps the token in a file readable only by the owner, the
// local equivalent of the device keychain.
type FileCredentials struct {
	mu   sync.Mutex
	path string
}

// NewFileCredentials stores the token at path. An initial token, if given,
// replaces any stored one.
func NewFileCredentials(path, initial string) (*FileCredentials, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	fc := &FileCredentials{path: path}
	if initial != "" {
		if err := fc.Save(initial); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// Token implements oauth2.TokenSource
func (fc *FileCredentials) Token() (*oauth2.Token, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	b, err := os.ReadFile(fc.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: tok}, nil
}

// Save implements Credentials
func (fc *FileCredentials) Save(token string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	tmp := fc.path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, []byte(token), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fc.path)
}
