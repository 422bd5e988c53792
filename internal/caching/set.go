package caching

import (
	"sync"

	"golang.org/x/crypto/blake2b"
)

// MessageID identifies a message by the BLAKE2b-256 digest of its parts.
type MessageID [blake2b.Size256]byte

// NewMessageID hashes parts in order. Each part is length-prefixed so that
// ("ab", "c") and ("a", "bc") differ.
func NewMessageID(parts ...[]byte) MessageID {
	h, _ := blake2b.New256(nil)
	var n [4]byte
	for _, p := range parts {
		l := len(p)
		n[0], n[1], n[2], n[3] = byte(l), byte(l>>8), byte(l>>16), byte(l>>24)
		_, _ = h.Write(n[:])
		_, _ = h.Write(p)
	}
	var id MessageID
	h.Sum(id[:0])
	return id
}

// Set remembers recently seen messages. It holds two generations of at most
// capacity ids each; when the current generation fills up, the previous one
// is forgotten.
type Set struct {
	capacity int

	mu       sync.Mutex
	current  map[MessageID]struct{}
	previous map[MessageID]struct{}
}

// NewSet creates a set with the given per-generation capacity, at least 1.
func NewSet(capacity int) *Set {
	capacity = max(1, capacity)
	return &Set{
		capacity: capacity,
		current:  make(map[MessageID]struct{}, capacity),
		previous: make(map[MessageID]struct{}, capacity),
	}
}

// Contains reports whether the message made of parts was added.
func (s *Set) Contains(parts ...[]byte) bool {
	id := NewMessageID(parts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.has(id)
}

// Add records the message made of parts and reports whether it was new.
func (s *Set) Add(parts ...[]byte) bool {
	id := NewMessageID(parts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has(id) {
		return false
	}
	s.current[id] = struct{}{}
	if len(s.current) >= s.capacity {
		clear(s.previous)
		s.previous, s.current = s.current, s.previous
	}
	return true
}

func (s *Set) has(id MessageID) bool {
	if _, ok := s.current[id]; ok {
		return true
	}
	_, ok := s.previous[id]
	return ok
}

func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.current)
	clear(s.previous)
}
