// Package auth issues and looks up bearer tokens for rider/driver/admin
// identities, the external auth collaborator the engine defers to. It is kept
// deliberately separate from dispatch.Registry: this package answers "who is
// this token", the Identity Registry answers "is this identity online right
// now".
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"turbodriver/internal/dispatch"
)

// InMemoryStore keeps issued tokens mapped to identities.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]dispatch.Identity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]dispatch.Identity),
	}
}

// Register mints a fresh identity of the given role and an opaque bearer
// token, valid for ttl (zero means no expiry).
func (s *InMemoryStore) Register(role dispatch.IdentityRole, ttl time.Duration) (dispatch.Identity, error) {
	var id string
	var err error
	switch role {
	case dispatch.RoleDriver:
		id, err = dispatch.NewDriverID()
	case dispatch.RoleRider:
		id, err = dispatch.NewRiderID()
	case dispatch.RoleAdmin:
		id, err = randomID()
	default:
		return dispatch.Identity{}, errors.New("invalid role")
	}
	if err != nil {
		return dispatch.Identity{}, err
	}

	token, err := randomID()
	if err != nil {
		return dispatch.Identity{}, err
	}

	identity := dispatch.Identity{
		ID:    id,
		Role:  role,
		Token: token,
	}
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		identity.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.users[token] = identity
	s.mu.Unlock()
	return identity, nil
}

// Revoke discards token immediately, used to unwind a Register call whose
// identity failed to persist elsewhere.
func (s *InMemoryStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.users, token)
	s.mu.Unlock()
}

// Lookup resolves a bearer token to its identity, rejecting expired ones.
func (s *InMemoryStore) Lookup(token string) (dispatch.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return dispatch.Identity{}, false
	}
	if u.ExpiresAt != nil && time.Now().After(*u.ExpiresAt) {
		return dispatch.Identity{}, false
	}
	return u, ok
}

// Seed hydrates an identity recovered from persistent storage on startup.
func (s *InMemoryStore) Seed(identity dispatch.Identity) {
	if identity.Token == "" {
		return
	}
	if identity.ExpiresAt != nil && time.Now().After(*identity.ExpiresAt) {
		return
	}
	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
