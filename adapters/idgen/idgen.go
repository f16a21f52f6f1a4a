// Package idgen mints identifiers for preallocated meter rows.
package idgen

import (
	"github.com/google/uuid"

	"github.com/artpar/geogate/ports"
)

// UUID generates random version-4 identifiers.
type UUID struct{}

func (UUID) New() string {
	return uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}
