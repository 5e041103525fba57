// Package authstore implements the authentication store: a reloadable
// user -> bcrypt-hashed-secret map consulted by the interactor's handshake.
// Access is serialized with a single-writer, multiple-reader lock, matching
// the discipline spec.md §3 requires for the AuthenticationStore.
package authstore

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Method names accepted in an AuthenticationRequest.
const (
	MethodNone      = "none"
	MethodHtpasswd  = "htpasswd"
)

// Store holds the current user -> hash snapshot and the file it was loaded
// from (for Reload). The zero Store is not usable; use New.
type Store struct {
	mu   sync.RWMutex
	path string
	hash map[string]string
}

// New creates an empty store. Load must be called before Verify can succeed
// for MethodHtpasswd.
func New() *Store {
	return &Store{hash: make(map[string]string)}
}

// Load reads an htpasswd-style file (one "user:bcrypt-hash" per line, blank
// lines and lines starting with "#" ignored) and replaces the store's
// contents atomically under the write lock. The path is remembered so a
// later Reload() with no argument re-reads the same file.
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("authstore: open %s: %w", path, err)
	}
	defer f.Close()

	next := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" || hash == "" {
			return fmt.Errorf("authstore: malformed line %q in %s", line, path)
		}
		next[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("authstore: read %s: %w", path, err)
	}

	s.mu.Lock()
	s.path = path
	s.hash = next
	s.mu.Unlock()
	return nil
}

// Reload re-reads the file path last passed to Load. It is the operation the
// SIGHUP handler invokes; on failure the previous snapshot remains in
// effect, per spec.md §5's hot-reload rule.
func (s *Store) Reload() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("authstore: reload called before initial Load")
	}
	return s.Load(path)
}

// Verify checks credentials for method against the store. For MethodNone it
// always succeeds (no credentials required); the user name is taken
// verbatim from credentials when non-empty, else "anonymous". For
// MethodHtpasswd, credentials must be "user:password" and the password must
// bcrypt-match the stored hash.
func (s *Store) Verify(method string, credentials []byte) (user string, ok bool) {
	switch method {
	case MethodNone:
		user := string(credentials)
		if user == "" {
			user = "anonymous"
		}
		return user, true
	case MethodHtpasswd:
		u, password, found := strings.Cut(string(credentials), ":")
		if !found {
			return "", false
		}
		s.mu.RLock()
		hash, present := s.hash[u]
		s.mu.RUnlock()
		if !present {
			return "", false
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return "", false
		}
		return u, true
	default:
		return "", false
	}
}

// HashPassword is a convenience used by tooling that writes htpasswd files;
// not exercised on the hot path.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
