// Package identity supplies the durable per-device token a client writes
// into player_id.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Prefix starts every generated token.
const Prefix = "player_"

var ErrEmptyIdentity = errors.New("empty identity")

// Provider returns the caller's identity token. It must return the same
// token for the life of the device.
type Provider interface {
	PlayerID() (string, error)
}

// Static is a fixed token.
type Static string

func (s Static) PlayerID() (string, error) {
	if s == "" {
		return "", ErrEmptyIdentity
	}
	return string(s), nil
}

// Generate returns a fresh token.
func Generate() string {
	return Prefix + uuid.NewString()
}

// FileProvider keeps the token in a file, creating it on first use.
type FileProvider struct {
	path string

	mu sync.Mutex
	id string
}

// NewFileProvider returns a provider backed by path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// DefaultPath is the token file under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kot-mats", "player_id"), nil
}

func (f *FileProvider) PlayerID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.id != "" {
		return f.id, nil
	}

	data, err := os.ReadFile(f.path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			f.id = id
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read identity: %w", err)
	}

	id := Generate()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	f.id = id
	return id, nil
}
