package folio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const sessionFilename = "session.json"

// SessionStorage is the durable key-value backend for the Session. The store
// writes through on every mutation and reads once at process start.
type SessionStorage interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context) error
}

// FileSessionStorage persists the session as a JSON file with restricted
// permissions.
type FileSessionStorage struct {
	basePath string
}

// NewFileSessionStorage creates file-backed session storage under basePath,
// creating the directory if needed.
func NewFileSessionStorage(basePath string) *FileSessionStorage {
	if basePath == "" {
		basePath = "data"
	}
	os.MkdirAll(basePath, 0700)

	return &FileSessionStorage{basePath: basePath}
}

func (f *FileSessionStorage) Load(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, sessionFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (f *FileSessionStorage) Save(ctx context.Context, session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Owner-only permissions, the file holds live credentials.
	if err := os.WriteFile(filepath.Join(f.basePath, sessionFilename), data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func (f *FileSessionStorage) Delete(ctx context.Context) error {
	if err := os.Remove(filepath.Join(f.basePath, sessionFilename)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// MemorySessionStorage keeps the session in memory only. Useful for tests and
// for callers that explicitly do not want credentials on disk.
type MemorySessionStorage struct {
	mu      sync.Mutex
	session *Session
}

func NewMemorySessionStorage() *MemorySessionStorage {
	return &MemorySessionStorage{}
}

func (m *MemorySessionStorage) Load(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	copied := *m.session
	return &copied, nil
}

func (m *MemorySessionStorage) Save(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.session = &copied
	return nil
}

func (m *MemorySessionStorage) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}
