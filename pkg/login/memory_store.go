package login

import "sync"

// MemoryStore is a CredentialStore that keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds *Credentials
}

var _ CredentialStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveCredentials(creds *Credentials) error {
	cp := *creds
	s.mu.Lock()
	s.creds = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadCredentials() (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil, ErrNotLoggedIn
	}
	cp := *s.creds
	return &cp, nil
}

func (s *MemoryStore) DeleteCredentials() error {
	s.mu.Lock()
	s.creds = nil
	s.mu.Unlock()
	return nil
}
