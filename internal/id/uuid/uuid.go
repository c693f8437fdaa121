// Package uuid mints job and queue item identifiers.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// Generator produces short hex identifiers derived from UUIDv4s. Item ids
// are dash-free so correlation ids parse unambiguously from the right.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// JobID returns an 8-character hex job identifier.
func (Generator) JobID() string {
	return hexID(8)
}

// ItemID returns a 12-character hex queue item identifier.
func (Generator) ItemID() string {
	return hexID(12)
}

func hexID(n int) string {
	h := strings.ReplaceAll(uuid.NewString(), "-", "")
	return h[:n]
}
