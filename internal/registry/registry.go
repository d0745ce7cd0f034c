// Package registry persists user-added sources. The engine only ever reads
// and writes through the narrow Registry interface; which backend sits
// behind it (memory, Postgres, Redis) is a deployment choice.
package registry

import (
	"context"
	"errors"

	"github.com/voyagen/streamvault/internal/models"
)

// ErrNotFound is returned when a source id does not exist.
var ErrNotFound = errors.New("source not found")

// Registry stores custom sources.
type Registry interface {
	// List returns all sources in insertion order.
	List(ctx context.Context) ([]models.CustomSource, error)
	// Add persists a source. A missing ID is filled in.
	Add(ctx context.Context, src *models.CustomSource) error
	// Remove deletes a source by id. Removing an unknown id returns ErrNotFound.
	Remove(ctx context.Context, id string) error
}
