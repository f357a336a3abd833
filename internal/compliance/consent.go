package compliance

import (
	"sync"
	"time"
)

// ConsentStore answers whether a user has granted consent for a processing
// purpose.
type ConsentStore interface {
	HasConsent(userID, purpose string) bool
	Grant(userID, purpose string)
	Revoke(userID, purpose string)
}

// MemoryConsentStore is an in-process consent registry.
type MemoryConsentStore struct {
	grants map[string]time.Time
	mutex  sync.RWMutex
}

// NewMemoryConsentStore creates an empty consent registry.
func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{grants: make(map[string]time.Time)}
}

func consentKey(userID, purpose string) string {
	return userID + ":" + purpose
}

func (s *MemoryConsentStore) HasConsent(userID, purpose string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.grants[consentKey(userID, purpose)]
	return ok
}

func (s *MemoryConsentStore) Grant(userID, purpose string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.grants[consentKey(userID, purpose)] = time.Now()
}

func (s *MemoryConsentStore) Revoke(userID, purpose string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.grants, consentKey(userID, purpose))
}
