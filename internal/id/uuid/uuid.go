// Package uuid provides task ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random UUID strings for new tasks.
type Generator struct {
	timeOrdered bool
}

// NewUUIDGenerator creates a Generator producing UUIDv4 ids.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewTimeOrderedGenerator creates a Generator producing UUIDv7 ids, which sort
// by creation time in database indexes.
func NewTimeOrderedGenerator() *Generator {
	return &Generator{timeOrdered: true}
}

// NewID returns a UUID string.
func (g Generator) NewID() (string, error) {
	if g.timeOrdered {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate uuid7: %w", err)
		}
		return id.String(), nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}
