// Package uuid generates time-ordered batch and message identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 identifiers with an optional prefix. UUIDv7 embeds
// a millisecond timestamp, so ids sort by creation time.
type Generator struct {
	prefix string
}

// NewBatchIDGenerator returns a Generator producing ids like batch_<uuidv7>.
func NewBatchIDGenerator() *Generator {
	return &Generator{prefix: "batch_"}
}

// NewMessageIDGenerator returns a Generator producing ids like msg_<uuidv7>.
func NewMessageIDGenerator() *Generator {
	return &Generator{prefix: "msg_"}
}

// NewID returns a prefixed UUIDv7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
