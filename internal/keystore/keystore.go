// Package keystore implements internal/admission.KeyStore: a read-mostly,
// in-memory lookup table from bearer token to gatewaytypes.VirtualKey,
// loaded from configuration at startup.
//
// Grounded on the shape internal/admission/admission_test.go's fakeKeyStore
// exercises (a map keyed by token); this is that same shape made concurrency
// safe and promoted out of test code, since the admission controller looks
// keys up from many request goroutines while Reload may run concurrently
// from an admin config-reload call.
package keystore

import (
	"sync"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

// Store is a concurrency-safe, in-memory token-to-VirtualKey table.
type Store struct {
	mu      sync.RWMutex
	byToken map[string]*gatewaytypes.VirtualKey
	byID    map[string]*gatewaytypes.VirtualKey
}

// New builds a Store from an initial set of virtual keys.
func New(keys []gatewaytypes.VirtualKey) *Store {
	s := &Store{}
	s.Reload(keys)
	return s
}

// Lookup resolves token to its VirtualKey, satisfying internal/admission.KeyStore.
func (s *Store) Lookup(token string) (*gatewaytypes.VirtualKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byToken[token]
	return k, ok
}

// ByID resolves a virtual key by its id, used by the admin surface to
// render or update a single key without exposing its token.
func (s *Store) ByID(id string) (*gatewaytypes.VirtualKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	return k, ok
}

// All returns every configured virtual key, for the admin list endpoint.
func (s *Store) All() []gatewaytypes.VirtualKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gatewaytypes.VirtualKey, 0, len(s.byID))
	for _, k := range s.byID {
		out = append(out, *k)
	}
	return out
}

// Reload atomically replaces the store's contents, used when configuration
// is hot-reloaded.
func (s *Store) Reload(keys []gatewaytypes.VirtualKey) {
	byToken := make(map[string]*gatewaytypes.VirtualKey, len(keys))
	byID := make(map[string]*gatewaytypes.VirtualKey, len(keys))
	for i := range keys {
		k := keys[i]
		byToken[k.Token] = &k
		byID[k.ID] = &k
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byToken = byToken
	s.byID = byID
}

// Upsert inserts key or replaces the existing key with the same id,
// backing POST /admin/keys and PUT /admin/keys/{id}. If key replaces an
// existing id under a different token, the old token mapping is dropped.
func (s *Store) Upsert(key gatewaytypes.VirtualKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[key.ID]; ok && old.Token != key.Token {
		delete(s.byToken, old.Token)
	}
	k := key
	s.byID[key.ID] = &k
	s.byToken[key.Token] = &k
}

// Delete removes the key with the given id, backing DELETE /admin/keys/{id}.
// It reports whether a key was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	delete(s.byToken, k.Token)
	return true
}
