// Package permission implements the Permission Gate (§4.5): a
// capability x resource-grant check sitting in front of every
// mutation path, including bridged HTTP writes.
//
// This is adapted from the teacher's internal/acl/store.go, which
// keyed access off a per-entry readers/writers/public ACL row. The
// spec's model is different in shape — a principal carries capability
// flags (can_read/can_write/can_system) AND needs a separate
// per-instance resource grant at a monotone level (read < write <
// system) — so the storage layout and Check algorithm are rebuilt,
// but the SQLite-table-per-concern structure and the
// Store-wraps-*sql.DB constructor idiom are kept from the teacher.
package permission

import (
	"database/sql"
	"fmt"
	"time"
)

// Level is a resource-grant level. Levels are monotone: a grant at a
// given level implies every lower level (§4.5 "Permission Grant").
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelSystem
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelSystem:
		return "system"
	default:
		return "none"
	}
}

// ParseLevel parses the wire-level strings used by the trusted
// upgrade headers and the legacy auth frame (§4.2, §4.5).
func ParseLevel(s string) (Level, error) {
	switch s {
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "system":
		return LevelSystem, nil
	default:
		return LevelNone, fmt.Errorf("permission: unknown level %q", s)
	}
}

// Capability is a principal's capability record: can_read, can_write,
// can_system flags plus an optional expiry (§4.5 step 1).
type Capability struct {
	CanRead   bool
	CanWrite  bool
	CanSystem bool
	ExpiresAt *time.Time
}

func (c Capability) expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// allows reports whether this capability record carries the flag
// needed for required, independent of any resource grant.
func (c Capability) allows(required Level) bool {
	switch required {
	case LevelRead:
		return c.CanRead
	case LevelWrite:
		return c.CanWrite
	case LevelSystem:
		return c.CanSystem
	default:
		return true
	}
}

// Grant is a resource-level grant row: (instance, actor, kind) -> level.
type Grant struct {
	InstanceID string
	ActorID    string
	ActorKind  string
	Level      Level
	ExpiresAt  *time.Time
}

func (g Grant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// ErrConflictingGrant is returned when upserting a grant would lower
// an existing higher grant for the same (instance, actor, kind) pair
// (§4.5 step 5, error taxonomy row "ConflictingGrant").
type ErrConflictingGrant struct {
	InstanceID, ActorID, ActorKind string
	Existing, Attempted           Level
}

func (e ErrConflictingGrant) Error() string {
	return fmt.Sprintf("permission: grant %s would lower existing grant %s for actor %s on instance %s",
		e.Attempted, e.Existing, e.ActorID, e.InstanceID)
}

// ErrDenied is returned by Check when access is refused.
type ErrDenied struct {
	InstanceID, ActorID string
	Required            Level
	Reason               string
}

func (e ErrDenied) Error() string {
	return fmt.Sprintf("permission: denied %s on instance %s for actor %s: %s", e.Required, e.InstanceID, e.ActorID, e.Reason)
}

// Clock lets tests substitute a fixed time; defaults to time.Now.
type Clock func() time.Time

// Gate is the Permission Gate store: capability records, resource
// grants, and per-instance ownership, backed by SQLite the way the
// teacher's acl.Store is backed by SQLite.
type Gate struct {
	db  *sql.DB
	now Clock
}

// New wraps db (already opened and migrated by the caller) as a Gate,
// creating its tables if absent.
func New(db *sql.DB) (*Gate, error) {
	g := &Gate{db: db, now: time.Now}
	if err := g.initSchema(); err != nil {
		return nil, fmt.Errorf("permission: init schema: %w", err)
	}
	return g, nil
}

func (g *Gate) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS capabilities (
			actor_id   TEXT PRIMARY KEY,
			can_read   INTEGER NOT NULL DEFAULT 0,
			can_write  INTEGER NOT NULL DEFAULT 0,
			can_system INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS grants (
			instance_id TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			actor_kind  TEXT NOT NULL,
			level       INTEGER NOT NULL,
			expires_at  INTEGER,
			PRIMARY KEY (instance_id, actor_id, actor_kind)
		);

		CREATE TABLE IF NOT EXISTS ownership (
			instance_id TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL
		);
	`
	_, err := g.db.Exec(schema)
	return err
}

// SetCapability upserts a principal's capability record.
func (g *Gate) SetCapability(actorID string, cap Capability) error {
	_, err := g.db.Exec(`
		INSERT INTO capabilities (actor_id, can_read, can_write, can_system, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET
			can_read = excluded.can_read,
			can_write = excluded.can_write,
			can_system = excluded.can_system,
			expires_at = excluded.expires_at
	`, actorID, boolToInt(cap.CanRead), boolToInt(cap.CanWrite), boolToInt(cap.CanSystem), nullableTime(cap.ExpiresAt))
	return err
}

func (g *Gate) getCapability(actorID string) (Capability, bool, error) {
	var canRead, canWrite, canSystem int
	var expiresAt sql.NullInt64
	err := g.db.QueryRow(`
		SELECT can_read, can_write, can_system, expires_at FROM capabilities WHERE actor_id = ?
	`, actorID).Scan(&canRead, &canWrite, &canSystem, &expiresAt)
	if err == sql.ErrNoRows {
		return Capability{}, false, nil
	}
	if err != nil {
		return Capability{}, false, err
	}
	cap := Capability{CanRead: canRead != 0, CanWrite: canWrite != 0, CanSystem: canSystem != 0}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		cap.ExpiresAt = &t
	}
	return cap, true, nil
}

// SetOwner records actorID as instanceID's owner, granting it system
// access unconditionally (§4.5 step 4).
func (g *Gate) SetOwner(instanceID, actorID string) error {
	_, err := g.db.Exec(`
		INSERT INTO ownership (instance_id, owner_id) VALUES (?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET owner_id = excluded.owner_id
	`, instanceID, actorID)
	return err
}

func (g *Gate) isOwner(instanceID, actorID string) (bool, error) {
	var owner string
	err := g.db.QueryRow(`SELECT owner_id FROM ownership WHERE instance_id = ?`, instanceID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == actorID, nil
}

// GrantLevel upserts a resource-level grant. Per §4.5 step 5, a grant
// upsert replaces any strictly lower existing grant for the same
// (instance, actor, kind); attempting to set a strictly lower level
// than one already held fails with ErrConflictingGrant.
func (g *Gate) GrantLevel(instanceID, actorID, actorKind string, level Level, expiresAt *time.Time) error {
	existing, ok, err := g.getGrant(instanceID, actorID, actorKind)
	if err != nil {
		return err
	}
	if ok && !existing.expired(g.now()) && level < existing.Level {
		return ErrConflictingGrant{
			InstanceID: instanceID, ActorID: actorID, ActorKind: actorKind,
			Existing: existing.Level, Attempted: level,
		}
	}

	_, err = g.db.Exec(`
		INSERT INTO grants (instance_id, actor_id, actor_kind, level, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, actor_id, actor_kind) DO UPDATE SET
			level = excluded.level,
			expires_at = excluded.expires_at
	`, instanceID, actorID, actorKind, int(level), nullableTime(expiresAt))
	return err
}

func (g *Gate) getGrant(instanceID, actorID, actorKind string) (Grant, bool, error) {
	var level int
	var expiresAt sql.NullInt64
	err := g.db.QueryRow(`
		SELECT level, expires_at FROM grants WHERE instance_id = ? AND actor_id = ? AND actor_kind = ?
	`, instanceID, actorID, actorKind).Scan(&level, &expiresAt)
	if err == sql.ErrNoRows {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, err
	}
	grant := Grant{InstanceID: instanceID, ActorID: actorID, ActorKind: actorKind, Level: Level(level)}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		grant.ExpiresAt = &t
	}
	return grant, true, nil
}

// RevokeGrant removes a resource-level grant entirely.
func (g *Gate) RevokeGrant(instanceID, actorID, actorKind string) error {
	_, err := g.db.Exec(`DELETE FROM grants WHERE instance_id = ? AND actor_id = ? AND actor_kind = ?`, instanceID, actorID, actorKind)
	return err
}

// Check implements the five-step decision in §4.5: ownership bypass
// (the owner is allowed every level without a capability or grant),
// then capability flag lookup, then resource-grant comparison against
// the monotone order.
func (g *Gate) Check(instanceID, actorID, actorKind string, required Level) error {
	now := g.now()

	owner, err := g.isOwner(instanceID, actorID)
	if err != nil {
		return fmt.Errorf("permission: lookup ownership: %w", err)
	}
	if owner {
		return nil
	}

	cap, ok, err := g.getCapability(actorID)
	if err != nil {
		return fmt.Errorf("permission: lookup capability: %w", err)
	}
	if !ok || cap.expired(now) {
		return ErrDenied{InstanceID: instanceID, ActorID: actorID, Required: required, Reason: "no capability record or expired"}
	}
	if !cap.allows(required) {
		return ErrDenied{InstanceID: instanceID, ActorID: actorID, Required: required, Reason: "capability flag not set"}
	}

	grant, ok, err := g.getGrant(instanceID, actorID, actorKind)
	if err != nil {
		return fmt.Errorf("permission: lookup grant: %w", err)
	}
	if !ok || grant.expired(now) {
		return ErrDenied{InstanceID: instanceID, ActorID: actorID, Required: required, Reason: "no resource grant or expired"}
	}
	if grant.Level < required {
		return ErrDenied{InstanceID: instanceID, ActorID: actorID, Required: required, Reason: fmt.Sprintf("grant level %s below required %s", grant.Level, required)}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
