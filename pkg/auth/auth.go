// Package auth holds the credentials accepted by the mock server.
package auth

import (
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// DefaultUser and DefaultPassword are used when the DEFAULT_USER and
	// DEFAULT_PASSWORD environment variables are unset.
	DefaultUser     = "user"
	DefaultPassword = "password"
)

// Authenticator validates a username/password pair.
type Authenticator interface {
	CheckCredentials(username, password string) bool
}

// AllowAll accepts any credentials.
type AllowAll struct{}

func (AllowAll) CheckCredentials(string, string) bool { return true }

// Store is an in-memory username to password table. Every check is recorded
// so tests can assert which users tried to log in.
type Store struct {
	mu      sync.Mutex
	users   map[string]string
	triedOn map[string]bool
	logger  zerolog.Logger
}

// NewStore creates a store holding users. A nil map yields an empty store.
func NewStore(users map[string]string, logger zerolog.Logger) *Store {
	s := &Store{users: make(map[string]string), triedOn: make(map[string]bool), logger: logger}
	for u, p := range users {
		s.users[u] = p
	}
	return s
}

// NewDefaultStore creates a store with the default pair, overridable with
// the DEFAULT_USER and DEFAULT_PASSWORD environment variables.
func NewDefaultStore(logger zerolog.Logger) *Store {
	user, pass := DefaultCredentials()
	return NewStore(map[string]string{user: pass}, logger)
}

// DefaultCredentials returns the default pair after environment overrides.
func DefaultCredentials() (user, password string) {
	user, password = DefaultUser, DefaultPassword
	if v, ok := os.LookupEnv("DEFAULT_USER"); ok {
		user = v
	}
	if v, ok := os.LookupEnv("DEFAULT_PASSWORD"); ok {
		password = v
	}
	return user, password
}

// CheckCredentials reports whether password matches username and records
// the attempt.
func (s *Store) CheckCredentials(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.users[username]
	accepted := ok && want == password
	s.triedOn[username] = accepted
	s.logger.Info().Str("user", username).Bool("accepted", accepted).Msg("authentication attempt")
	return accepted
}

// AddUser adds or replaces a user.
func (s *Store) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// TriedOn returns the last authentication result per username.
func (s *Store) TriedOn() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.triedOn))
	for k, v := range s.triedOn {
		out[k] = v
	}
	return out
}

// Users returns the known usernames, sorted.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Login returns a known username with its password. preferred wins when
// the store has it, otherwise the first user in sorted order is picked.
func (s *Store) Login(preferred string) (user, password string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, found := s.users[preferred]; found {
		return preferred, p, true
	}
	for u, p := range s.users {
		if !ok || u < user {
			user, password, ok = u, p, true
		}
	}
	return user, password, ok
}

// Reset forgets recorded attempts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triedOn = make(map[string]bool)
}
