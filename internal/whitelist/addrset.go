package whitelist

import (
	"sort"
	"sync"
)

// AddressSet is a set of 32-bit addresses safe for concurrent readers.
// Module sets hold image-relative addresses; per-process sets hold absolute
// ones. The owner decides which.
type AddressSet struct {
	mu sync.RWMutex
	m  map[uint32]struct{}
}

// NewAddressSet returns an empty set sized for n entries.
func NewAddressSet(n int) *AddressSet {
	return &AddressSet{m: make(map[uint32]struct{}, n)}
}

// Add inserts addr. Duplicates are ignored.
func (s *AddressSet) Add(addr uint32) {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[uint32]struct{})
	}
	s.m[addr] = struct{}{}
	s.mu.Unlock()
}

// Contains reports whether addr is a member.
func (s *AddressSet) Contains(addr uint32) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	_, ok := s.m[addr]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of members.
func (s *AddressSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Addresses returns the members in ascending order.
func (s *AddressSet) Addresses() []uint32 {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]uint32, 0, len(s.m))
	for a := range s.m {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear removes every member.
func (s *AddressSet) Clear() {
	s.mu.Lock()
	clear(s.m)
	s.mu.Unlock()
}
