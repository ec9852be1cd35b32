// Package uuid provides identifier generation and test utilities.
package uuid

import (
	"sync"

	"github.com/google/uuid"
)

// IDer generates identifiers for runs, deliveries and history records.
type IDer interface {
	ID() string
}

// UUID generates time-ordered (version 7) UUIDs.
// Time ordering keeps run and delivery keys roughly sorted by creation in
// key-value backends.
type UUID struct{}

// NewUUID creates a new UUID ID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// ID generates a new UUID.
// Falls back to a random (version 4) UUID if the clock sequence cannot be read.
func (u *UUID) ID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StaticIDs is an ID generator that cycles through the provided IDs.
// It is safe for concurrent use.
type StaticIDs struct {
	mu  sync.Mutex
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID, cycling back to the first after the last.
func (s *StaticIDs) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
