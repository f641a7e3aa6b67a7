package license

import (
	"sync/atomic"

	"github.com/Bakeneko/n8n/pkg/licensing"
)

// Store holds the current entitlement snapshot. Reads and writes swap a single
// pointer, so request paths never wait on a renewal.
type Store struct {
	current atomic.Pointer[licensing.Snapshot]
}

// NewStore returns a store holding the unloaded snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(licensing.Unloaded())
	return s
}

// Read returns the latest snapshot. It never returns nil.
func (s *Store) Read() *licensing.Snapshot {
	return s.current.Load()
}

// Version returns the version of the latest snapshot.
func (s *Store) Version() uint64 {
	return s.Read().Version()
}

// Replace installs next if its version is strictly greater than the stored
// one and reports whether it did. A false return is a discarded stale write,
// not an error.
func (s *Store) Replace(next *licensing.Snapshot) bool {
	if next == nil {
		return false
	}
	for {
		cur := s.current.Load()
		if next.Version() <= cur.Version() {
			return false
		}
		if s.current.CompareAndSwap(cur, next) {
			return true
		}
	}
}
