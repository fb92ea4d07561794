// Package registry holds the clientId -> webhook URL mapping the proxy reads
// on every delivery. The mapping is owned by an external admin process; the
// broker only loads it, periodically, into an immutable in-memory snapshot.
package registry

import (
	"maps"
	"sync/atomic"
	"time"
)

// Snapshot is one immutable view of the registry.
type Snapshot struct {
	webhooks map[string]string
	LoadedAt time.Time
	Source   string
}

// Lookup returns the webhook URL for clientID.
func (s *Snapshot) Lookup(clientID string) (string, bool) {
	url, ok := s.webhooks[clientID]
	return url, ok
}

// Len returns the number of registered clients.
func (s *Snapshot) Len() int { return len(s.webhooks) }

// ClientIDs returns the registered ids in no particular order.
func (s *Snapshot) ClientIDs() []string {
	ids := make([]string, 0, len(s.webhooks))
	for id := range s.webhooks {
		ids = append(ids, id)
	}
	return ids
}

// Reader is the read side the proxy depends on.
type Reader interface {
	Lookup(clientID string) (string, bool)
	Snapshot() *Snapshot
}

// Store publishes snapshots with a single atomic pointer swap. Readers never
// lock and never observe a partially built mapping.
type Store struct {
	current atomic.Pointer[Snapshot]
}

var _ Reader = (*Store)(nil)

// NewStore returns a store holding an empty, never-loaded snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{webhooks: map[string]string{}})
	return s
}

// Swap replaces the current snapshot with a copy of webhooks.
func (s *Store) Swap(webhooks map[string]string, source string, loadedAt time.Time) *Snapshot {
	next := &Snapshot{
		webhooks: maps.Clone(webhooks),
		LoadedAt: loadedAt,
		Source:   source,
	}
	if next.webhooks == nil {
		next.webhooks = map[string]string{}
	}
	s.current.Store(next)
	return next
}

func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

func (s *Store) Lookup(clientID string) (string, bool) {
	return s.current.Load().Lookup(clientID)
}
