// Package remote defines the consumed remote document store capability and
// an HTTP client implementation for the hosted backend.
package remote

import (
	"context"

	"github.com/lumoshq/fieldsync/internal/fields"
)

// Store is the remote document store the sync layer writes against. Reads
// are not part of this interface; the read path goes through the cache
// helper with a caller-supplied fetch.
type Store interface {
	// Create writes a new document and returns its server-side id. When the
	// caller supplied an id at enqueue time the client sends it along so the
	// record keeps a stable identity across offline replays.
	Create(ctx context.Context, collection, id string, fm fields.Map) (string, error)
	// Update overwrites the named fields of an existing document.
	Update(ctx context.Context, collection, id string, fm fields.Map) error
	// Delete removes a document by id.
	Delete(ctx context.Context, collection, id string) error
}
