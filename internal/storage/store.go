// Package storage defines the materialized-view persistence contract.
// Storage is an optimization layer, not the source of truth — the CRDT
// document is (§9 "Materialized view vs CRDT source of truth").
package storage

import "github.com/amaydixit11/mindcache-engine/internal/core"

// Store is the materialization projector's persistence contract: a
// relational view of the document's current entries (§4.4), plus the
// durable CRDT state blob and schema metadata the engine façade needs
// to recover on restart (§4.8, §6 "Persisted state layout").
type Store interface {
	// Put upserts one entry's row; idempotent.
	Put(entry core.Entry) error

	// Get retrieves an entry row by name.
	Get(name string) (core.Entry, error)

	// List returns all entry rows ordered by (zIndex asc, name asc),
	// matching §4.4's deterministic GET /keys ordering.
	List() ([]core.Entry, error)

	// Delete removes an entry row by name.
	Delete(name string) error

	// GetMaxTimestamp returns the latest updated_at in the view; the
	// engine façade seeds the document clock from it when it hydrates
	// from the view because no persisted CRDT blob exists.
	GetMaxTimestamp() (int64, error)

	// SaveBlob persists the opaque CRDT state blob under the
	// well-known durable key `yjs_encoded_state` (§6).
	SaveBlob(blob []byte) error

	// LoadBlob returns the persisted CRDT state blob, or (nil, false)
	// if none has been saved yet (first boot).
	LoadBlob() ([]byte, bool, error)

	// SchemaVersion reads schema_meta.schema_version, 0 if absent.
	SchemaVersion() (int, error)

	// SetSchemaVersion upserts schema_meta.schema_version.
	SetSchemaVersion(v int) error

	// HasLegacyColumns reports whether the legacy boolean attribute
	// columns from §4.7 step 2 are present (pre-migration instance).
	HasLegacyColumns() (bool, error)

	// Close releases all resources.
	Close() error
}

// ErrNotFound is returned when an entry row is absent.
type ErrNotFound struct{ Name string }

func (e ErrNotFound) Error() string { return "key not found: " + e.Name }
