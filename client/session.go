package folio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// User is the authenticated profile fetched after login.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Session holds the current credentials and authenticated user.
// A zero Session means logged out.
type Session struct {
	AccessToken     string `json:"access_token,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IsAuthenticated bool   `json:"is_authenticated"`
	User            *User  `json:"user,omitempty"`
}

// SessionStore owns the Session. All other components read snapshots or go
// through the mutation entry points; nothing mutates Session fields directly.
// Every mutation is written through to the configured SessionStorage so the
// session survives process restarts.
type SessionStore struct {
	mu      sync.RWMutex
	session Session
	storage SessionStorage
	logger  zerolog.Logger
}

// NewSessionStore creates a store and restores any previously persisted
// session from storage. storage may be nil, in which case the session only
// lives in memory.
func NewSessionStore(storage SessionStorage, logger zerolog.Logger) *SessionStore {
	s := &SessionStore{
		storage: storage,
		logger:  logger,
	}

	if storage != nil {
		restored, err := storage.Load(context.Background())
		if err != nil {
			if err != ErrNoSession {
				logger.Warn().Err(err).Msg("failed to restore persisted session, starting empty")
			}
		} else if restored != nil {
			s.session = *restored
			logger.Debug().Bool("authenticated", restored.IsAuthenticated).Msg("restored persisted session")
		}
	}

	return s
}

// Snapshot returns a copy of the current session.
func (s *SessionStore) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// AccessToken returns the current bearer credential, or "" when absent.
func (s *SessionStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

// RefreshToken returns the current renewal credential, or "" when absent.
func (s *SessionStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.RefreshToken
}

// IsAuthenticated reports whether the store holds credentials.
func (s *SessionStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.IsAuthenticated
}

// SetTokens replaces both credentials atomically, preserving the user record.
func (s *SessionStore) SetTokens(accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.AccessToken = accessToken
	s.session.RefreshToken = refreshToken
	s.session.IsAuthenticated = accessToken != ""
	s.persistLocked()
}

// SetUser stores the authenticated profile.
func (s *SessionStore) SetUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.User = user
	s.persistLocked()
}

// Clear wipes the session entirely. Used on logout and on irrecoverable
// refresh failure.
func (s *SessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = Session{}
	if s.storage != nil {
		if err := s.storage.Delete(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to delete persisted session")
		}
	}
}

// persistLocked writes the session through to storage. Persistence is best
// effort: a storage failure keeps the in-memory session authoritative.
func (s *SessionStore) persistLocked() {
	if s.storage == nil {
		return
	}
	snapshot := s.session
	if err := s.storage.Save(context.Background(), &snapshot); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist session")
	}
}
