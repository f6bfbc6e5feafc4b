// Package sqlite implements the materialization projector's relational
// view on top of SQLite, grounded on the teacher's transactional
// upsert idiom (internal/storage/sqlite/sqlite.go in the teacher).
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/amaydixit11/mindcache-engine/internal/core"
	"github.com/amaydixit11/mindcache-engine/internal/storage"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements storage.Store using SQLite, with the exact schema
// named in §6: table `keys` plus a `schema_meta(key, value)` row for
// schema_version and the durable blob key.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the store at path. Use ":memory:" for a
// temporary in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying *sql.DB, used by internal/migrate which
// needs direct column introspection and ALTER TABLE access.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS keys (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT NOT NULL,
			content_type TEXT,
			content_tags TEXT NOT NULL DEFAULT '[]',
			system_tags TEXT NOT NULL DEFAULT '[]',
			z_index INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_keys_zindex ON keys(z_index, name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put upserts one entry row (§4.4).
func (s *Store) Put(entry core.Entry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	contentTagsJSON, err := json.Marshal(entry.Attributes.ContentTags)
	if err != nil {
		return fmt.Errorf("failed to marshal contentTags: %w", err)
	}
	systemTagsJSON, err := json.Marshal(entry.Attributes.SystemTags)
	if err != nil {
		return fmt.Errorf("failed to marshal systemTags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO keys (name, value, type, content_type, content_tags, system_tags, z_index, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			content_type = excluded.content_type,
			content_tags = excluded.content_tags,
			system_tags = excluded.system_tags,
			z_index = excluded.z_index,
			updated_at = excluded.updated_at
	`, entry.Name, string(valueJSON), string(entry.Attributes.Type), nullableString(entry.Attributes.ContentType),
		string(contentTagsJSON), string(systemTagsJSON), entry.Attributes.ZIndex, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert key: %w", err)
	}
	return nil
}

// Get retrieves one entry row by name.
func (s *Store) Get(name string) (core.Entry, error) {
	row := s.db.QueryRow(`
		SELECT name, value, type, content_type, content_tags, system_tags, z_index, updated_at
		FROM keys WHERE name = ?
	`, name)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return core.Entry{}, storage.ErrNotFound{Name: name}
	}
	return entry, err
}

// List returns all rows ordered by (z_index asc, name asc) per §4.4.
func (s *Store) List() ([]core.Entry, error) {
	rows, err := s.db.Query(`
		SELECT name, value, type, content_type, content_tags, system_tags, z_index, updated_at
		FROM keys ORDER BY z_index ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []core.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Delete removes a row by name.
func (s *Store) Delete(name string) error {
	result, err := s.db.Exec("DELETE FROM keys WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound{Name: name}
	}
	return nil
}

// GetMaxTimestamp returns the latest projector write (0 for an empty
// view), used to seed the document clock when hydrating from the view.
func (s *Store) GetMaxTimestamp() (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(updated_at) FROM keys").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max timestamp: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// SaveBlob persists the opaque CRDT state blob under schema_meta's
// well-known durable key `yjs_encoded_state` (§6).
func (s *Store) SaveBlob(blob []byte) error {
	return s.setMeta("yjs_encoded_state", string(blob))
}

// LoadBlob returns the persisted CRDT state blob.
func (s *Store) LoadBlob() ([]byte, bool, error) {
	v, ok, err := s.getMeta("yjs_encoded_state")
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(v), true, nil
}

// SchemaVersion reads schema_meta.schema_version, treating a missing
// row as 0 (§4.7 step 1).
func (s *Store) SchemaVersion() (int, error) {
	v, ok, err := s.getMeta("schema_version")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var version int
	if _, err := fmt.Sscanf(v, "%d", &version); err != nil {
		return 0, fmt.Errorf("corrupt schema_version: %w", err)
	}
	return version, nil
}

// SetSchemaVersion upserts schema_meta.schema_version.
func (s *Store) SetSchemaVersion(v int) error {
	return s.setMeta("schema_version", fmt.Sprintf("%d", v))
}

// HasLegacyColumns reports whether the pre-v2 boolean columns exist.
func (s *Store) HasLegacyColumns() (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(keys)`)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		found[name] = true
	}
	for _, col := range []string{"readonly", "visible", "hardcoded", "template", "tags"} {
		if !found[col] {
			return false, nil
		}
	}
	return true, rows.Err()
}

func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO schema_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *Store) getMeta(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM schema_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (core.Entry, error) {
	var name, valueJSON, typeStr, contentTagsJSON, systemTagsJSON string
	var contentType sql.NullString
	var zIndex int
	var updatedAt int64

	if err := row.Scan(&name, &valueJSON, &typeStr, &contentType, &contentTagsJSON, &systemTagsJSON, &zIndex, &updatedAt); err != nil {
		return core.Entry{}, err
	}

	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return core.Entry{}, fmt.Errorf("corrupt value column for %q: %w", name, err)
	}
	var contentTags []string
	if err := json.Unmarshal([]byte(contentTagsJSON), &contentTags); err != nil {
		return core.Entry{}, fmt.Errorf("corrupt content_tags column for %q: %w", name, err)
	}
	var systemTags []core.SystemTag
	if err := json.Unmarshal([]byte(systemTagsJSON), &systemTags); err != nil {
		return core.Entry{}, fmt.Errorf("corrupt system_tags column for %q: %w", name, err)
	}

	return core.Entry{
		Name:  name,
		Value: value,
		Attributes: core.Attributes{
			Type:        core.AttrType(typeStr),
			ContentType: contentType.String,
			ContentTags: contentTags,
			SystemTags:  systemTags,
			ZIndex:      zIndex,
		},
		UpdatedAt: updatedAt,
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ storage.Store = (*Store)(nil)
