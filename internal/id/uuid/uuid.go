// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so run IDs sort by start time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Sequence returns a fixed series of IDs, then errors. Used by tests.
type Sequence struct {
	IDs  []string
	next int
}

// NewID returns the next ID in the sequence.
func (s *Sequence) NewID() (string, error) {
	if s.next >= len(s.IDs) {
		return "", fmt.Errorf("id sequence exhausted after %d ids", len(s.IDs))
	}
	id := s.IDs[s.next]
	s.next++
	return id, nil
}
