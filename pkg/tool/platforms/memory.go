package platforms

import (
	"context"
	"sort"
	"sync"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
)

// MemoryStore is a process-local Store (dev/tests).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Platform
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Platform)}
}

func (s *MemoryStore) Lookup(_ context.Context, issuer string) (Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[issuer]
	if !ok {
		return Platform{}, NotFound
	}
	return p, nil
}

func (s *MemoryStore) Insert(_ context.Context, p Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[p.Issuer]; ok {
		return ErrExists
	}
	s.data[p.Issuer] = p
	return nil
}

// PublicKeys implements keys.PublicKeySource. Private material and the key
// id are stripped.
func (s *MemoryStore) PublicKeys(_ context.Context) ([]keys.KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issuers := make([]string, 0, len(s.data))
	for iss := range s.data {
		issuers = append(issuers, iss)
	}
	sort.Strings(issuers)
	out := make([]keys.KeyMaterial, 0, len(issuers))
	for _, iss := range issuers {
		k := s.data[iss].Keys
		out = append(out, keys.KeyMaterial{PublicKeyPEM: k.PublicKeyPEM})
	}
	return out, nil
}
