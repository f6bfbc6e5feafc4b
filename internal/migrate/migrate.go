// Package migrate implements the one-shot, idempotent schema upgrade
// from legacy boolean attribute columns to the tag-based schema
// (§4.7), run by the engine façade on every boot before traffic is
// accepted (§4.8 step 1).
//
// There is no migration feature in the teacher; this package is new
// code written in the teacher's own transactional-DDL idiom
// (internal/storage/sqlite.go's tx.Begin/defer Rollback/tx.Commit
// pattern).
package migrate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// TargetVersion is the schema version this runner upgrades instances to.
const TargetVersion = 2

// legacyRow is one row read from the pre-v2 `keys` table.
type legacyRow struct {
	name      string
	readonly  bool
	visible   bool
	hardcoded bool
	template  bool
	tags      []string
}

// Run executes the migration runner against db, which must already
// have the current `keys`/`schema_meta` schema applied (the engine
// façade calls this after ensuring the view schema, §4.8 step 1).
//
// Run is idempotent under re-entry after partial failure: step 2 (add
// columns + backfill) is safe to repeat because ALTER TABLE ADD COLUMN
// is skipped when the column already exists and the backfill
// recomputes the same deterministic values every time; step 3 (bump
// schema_version) can be retried freely.
func Run(db *sql.DB) error {
	version, err := readSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("migrate: read schema_version: %w", err)
	}
	if version >= TargetVersion {
		return nil
	}

	hasLegacy, err := hasLegacyColumns(db)
	if err != nil {
		return fmt.Errorf("migrate: inspect legacy columns: %w", err)
	}
	hasTagColumns, err := hasColumns(db, "content_tags", "system_tags")
	if err != nil {
		return fmt.Errorf("migrate: inspect tag columns: %w", err)
	}

	if hasLegacy && !hasTagColumns {
		if err := migrateLegacyToTags(db); err != nil {
			return fmt.Errorf("migrate: step 2: %w", err)
		}
	}

	if err := writeSchemaVersion(db, TargetVersion); err != nil {
		return fmt.Errorf("migrate: step 3: %w", err)
	}
	return nil
}

func migrateLegacyToTags(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`ALTER TABLE keys ADD COLUMN content_type TEXT`,
		`ALTER TABLE keys ADD COLUMN content_tags TEXT NOT NULL DEFAULT '[]'`,
		`ALTER TABLE keys ADD COLUMN system_tags TEXT NOT NULL DEFAULT '[]'`,
	} {
		if _, err := tx.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}

	rows, err := tx.Query(`SELECT name, readonly, visible, hardcoded, template, tags FROM keys`)
	if err != nil {
		return err
	}
	legacyRows := []legacyRow{}
	for rows.Next() {
		var r legacyRow
		var tagsJSON sql.NullString
		if err := rows.Scan(&r.name, &r.readonly, &r.visible, &r.hardcoded, &r.template, &tagsJSON); err != nil {
			rows.Close()
			return err
		}
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &r.tags)
		}
		legacyRows = append(legacyRows, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range legacyRows {
		systemTags := deriveSystemTags(r)
		systemTagsJSON, _ := json.Marshal(systemTags)
		contentTagsJSON, _ := json.Marshal(nonNil(r.tags))

		if _, err := tx.Exec(
			`UPDATE keys SET content_tags = ?, system_tags = ? WHERE name = ?`,
			string(contentTagsJSON), string(systemTagsJSON), r.name,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// deriveSystemTags implements §4.7 step 2's legacy-boolean mapping:
// visible -> SystemPrompt, !readonly -> LLMWrite, hardcoded ->
// protected, template -> ApplyTemplate. Per spec §9 Open Question
// (iii), `visible` maps only to SystemPrompt, not also to LLMRead.
func deriveSystemTags(r legacyRow) []string {
	var tags []string
	if r.visible {
		tags = append(tags, "SystemPrompt")
	}
	if !r.readonly {
		tags = append(tags, "LLMWrite")
	}
	if r.hardcoded {
		tags = append(tags, "protected")
	}
	if r.template {
		tags = append(tags, "ApplyTemplate")
	}
	if tags == nil {
		tags = []string{}
	}
	return tags
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func readSchemaVersion(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow("SELECT value FROM schema_meta WHERE key = 'schema_version'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func writeSchemaVersion(db *sql.DB, v int) error {
	_, err := db.Exec(`
		INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", v))
	return err
}

func hasLegacyColumns(db *sql.DB) (bool, error) {
	return hasColumns(db, "readonly", "visible", "hardcoded", "template", "tags")
}

func hasColumns(db *sql.DB, names ...string) (bool, error) {
	rows, err := db.Query(`PRAGMA table_info(keys)`)
	if err != nil {
		return false, err
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
	if err := rows.Err(); err != nil {
		return false, err
	}
	for _, n := range names {
		if !found[n] {
			return false, nil
		}
	}
	return true, nil
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
