// Package engine implements the Engine Façade (§4.8): the boot
// sequence and commit subscription that wire the CRDT Document, the
// materialization projector, the Permission Gate, the Session
// Registry, and the Sync Protocol Handler together into one runnable
// per-instance engine.
//
// Grounded on the teacher's internal/engine/engine_impl.go (New()'s
// wiring order: open storage, recover clock from max timestamp,
// hydrate, construct dependent stores) and internal/engine/events.go
// (non-blocking buffered-channel subscriber pattern, generalized here
// into internal/session.Registry's broadcast). The teacher's
// encryption, versioning, and webhook wiring have no role in
// SPEC_FULL — see DESIGN.md for the per-dependency justification —
// so this façade is narrower than engineImpl but follows the same
// New()-does-all-the-wiring shape.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amaydixit11/mindcache-engine/internal/core"
	"github.com/amaydixit11/mindcache-engine/internal/crdt"
	"github.com/amaydixit11/mindcache-engine/internal/enginerr"
	"github.com/amaydixit11/mindcache-engine/internal/migrate"
	"github.com/amaydixit11/mindcache-engine/internal/permission"
	"github.com/amaydixit11/mindcache-engine/internal/schema"
	"github.com/amaydixit11/mindcache-engine/internal/search"
	"github.com/amaydixit11/mindcache-engine/internal/session"
	"github.com/amaydixit11/mindcache-engine/internal/storage"
	"github.com/amaydixit11/mindcache-engine/internal/storage/sqlite"
	"github.com/amaydixit11/mindcache-engine/internal/syncproto"
)

// Logger is the narrow logging contract the façade needs, matching
// the teacher's sync.Logger-wrapping-log.Printf convention.
type Logger interface {
	Printf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Config configures one engine instance. It is a plain struct, no
// env-var parsing inside the engine (§1 scopes environment variables
// as an outer-router concern; cmd/mindcached fills it from flags and
// nothing in this module calls os.Getenv).
type Config struct {
	DataDir    string
	InMemory   bool
	InstanceID string
	ActorKind  string // principal kind recorded in resource grants, e.g. "user"
	Logger     Logger
}

// Engine is one running instance: CRDT document, projector, gate,
// session registry, and sync handler, wired per §4.8's boot sequence.
type Engine struct {
	cfg      Config
	doc      *crdt.Document
	store    *sqlite.Store
	gate     *permission.Gate
	registry *session.Registry
	schemas  *schema.Registry
	index    *search.Index
	log      Logger
}

// New boots an engine instance per §4.8:
//  1. ensure view schema, run the migration runner;
//  2. restore the document from a persisted blob, or hydrate it from
//     the current view and persist;
//  3. install the commit subscription (broadcast, project, persist);
//  4. return ready to accept upgrades and bridge requests.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, enginerr.Storage{Cause: fmt.Errorf("open store: %w", err)}
	}

	// Step 1: ensure schema (sqlite.New already ran initSchema) + migrate.
	if err := migrate.Run(store.DB()); err != nil {
		store.Close()
		return nil, enginerr.Migration{Cause: err}
	}

	gate, err := permission.New(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: init permission gate: %w", err)
	}

	// Step 2: restore from blob, or hydrate from the view.
	doc, err := loadOrHydrate(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	idx := search.NewIndex()
	for _, e := range doc.List() {
		idx.Index(e)
	}

	e := &Engine{
		cfg:      cfg,
		doc:      doc,
		store:    store,
		gate:     gate,
		registry: session.NewRegistry(),
		schemas:  schema.NewRegistry(),
		index:    idx,
		log:      cfg.Logger,
	}

	// Step 3: commit subscription — broadcast, project, persist.
	doc.Subscribe(e.onCommit)

	return e, nil
}

func resolveDBPath(cfg Config) (string, error) {
	if cfg.InMemory {
		return ":memory:", nil
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("engine: resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".mindcache")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("engine: create data directory: %w", err)
	}
	return filepath.Join(dataDir, cfg.InstanceID+".db"), nil
}

// loadOrHydrate implements §4.8 step 2: prefer the persisted CRDT
// blob; if none exists, build the document from the view instead (a
// one-shot transaction tagged origin "migration"), then persist it so
// future boots take the fast path.
func loadOrHydrate(store *sqlite.Store) (*crdt.Document, error) {
	blob, ok, err := store.LoadBlob()
	if err != nil {
		return nil, enginerr.Storage{Cause: fmt.Errorf("load blob: %w", err)}
	}
	if ok && len(blob) > 0 {
		var state crdt.DocumentState
		if err := json.Unmarshal(blob, &state); err != nil {
			return nil, enginerr.Storage{Cause: fmt.Errorf("decode persisted state: %w", err)}
		}
		doc := crdt.NewDocument(core.NewClockWithTime(state.ClockTime))
		doc.LoadState(state)
		return doc, nil
	}

	maxTime, err := store.GetMaxTimestamp()
	if err != nil {
		return nil, enginerr.Storage{Cause: fmt.Errorf("recover clock: %w", err)}
	}
	doc := crdt.NewDocument(core.NewClockWithTime(uint64(maxTime)))

	entries, err := store.List()
	if err != nil {
		return nil, enginerr.Storage{Cause: fmt.Errorf("hydrate from view: %w", err)}
	}
	for _, entry := range entries {
		doc.Hydrate(entry, uint64(entry.UpdatedAt))
	}

	if err := persistBlob(store, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func persistBlob(store *sqlite.Store, doc *crdt.Document) error {
	state := doc.State()
	blob, err := json.Marshal(state)
	if err != nil {
		return enginerr.Storage{Cause: fmt.Errorf("encode state: %w", err)}
	}
	if err := store.SaveBlob(blob); err != nil {
		return enginerr.Storage{Cause: fmt.Errorf("save blob: %w", err)}
	}
	return nil
}

// onCommit is the installed commit subscription (§4.8 step 3): it
// broadcasts the update to every other connection, projects the
// changed entries into the materialized view, and asynchronously
// persists the new document blob. Per §7's propagation policy, a
// projector or persistence failure is logged and never unwinds the
// already-applied CRDT mutation.
func (e *Engine) onCommit(ev crdt.CommitEvent) {
	e.broadcast(ev)
	e.project(ev.Changed)
	go func() {
		if err := persistBlob(e.store, e.doc); err != nil {
			e.log.Printf("engine: async persist failed: %v", err)
		}
	}()
}

func (e *Engine) broadcast(ev crdt.CommitEvent) {
	delta := e.doc.DeltaFor(ev.Changed)
	env, err := syncproto.EncodeUpdate(delta)
	if err != nil {
		e.log.Printf("engine: encode broadcast update failed: %v", err)
		return
	}
	payload := marshalEnvelope(env)
	e.registry.Broadcast(ev.Origin, payload)
}

func marshalEnvelope(env syncproto.Envelope) []byte {
	buf := make([]byte, 1+len(env.Payload))
	buf[0] = byte(env.Kind)
	copy(buf[1:], env.Payload)
	return buf
}

// project implements §4.4: for each changed name, upsert if present
// in the document, else delete the row.
func (e *Engine) project(changed []string) {
	for _, name := range changed {
		entry, ok := e.doc.Get(name)
		if !ok {
			if err := e.store.Delete(name); err != nil {
				if _, isNotFound := err.(storage.ErrNotFound); !isNotFound {
					e.log.Printf("engine: project delete %q failed: %v", name, err)
				}
			}
			e.index.Remove(name)
			continue
		}
		entry.UpdatedAt = time.Now().UnixMilli()
		if err := e.store.Put(entry); err != nil {
			e.log.Printf("engine: project put %q failed: %v", name, err)
		}
		e.index.Index(entry)
	}
}

// Document returns the authoritative CRDT document, used by the HTTP
// bridge and the sync transport.
func (e *Engine) Document() *crdt.Document { return e.doc }

// Store returns the materialized view the projector writes (§4.4),
// used by the HTTP bridge's GET /keys so readers see the
// server-stamped updatedAt rather than the CRDT's own unstamped
// entries (§3, §4.6).
func (e *Engine) Store() storage.Store { return e.store }

// Gate returns the Permission Gate.
func (e *Engine) Gate() *permission.Gate { return e.gate }

// Registry returns the Session Registry.
func (e *Engine) Registry() *session.Registry { return e.registry }

// Schemas returns the entry-value schema registry.
func (e *Engine) Schemas() *schema.Registry { return e.schemas }

// Search returns the supplemental full-text index.
func (e *Engine) Search() *search.Index { return e.index }

// InstanceID returns the instance this engine serves.
func (e *Engine) InstanceID() string { return e.cfg.InstanceID }

// ActorKind returns the principal kind this engine's trusted headers
// carry, used to key resource grants.
func (e *Engine) ActorKind() string { return e.cfg.ActorKind }

// Close releases all resources: closes every live connection, then
// the underlying store.
func (e *Engine) Close() error {
	e.registry.CloseAll()
	return e.store.Close()
}
