package engine_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/amaydixit11/mindcache-engine/internal/core"
	"github.com/amaydixit11/mindcache-engine/internal/crdt"
	"github.com/amaydixit11/mindcache-engine/internal/engine"
	"github.com/amaydixit11/mindcache-engine/internal/enginerr"
	"github.com/amaydixit11/mindcache-engine/internal/permission"
	"github.com/amaydixit11/mindcache-engine/internal/session"
	"github.com/amaydixit11/mindcache-engine/internal/storage/sqlite"
	"github.com/amaydixit11/mindcache-engine/internal/syncproto"
	"github.com/amaydixit11/mindcache-engine/internal/migrate"
	"github.com/amaydixit11/mindcache-engine/pkg/bridge"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{InMemory: true, InstanceID: "inst-1", ActorKind: "user"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func grantLevel(e *engine.Engine, principalID string, level permission.Level) {
	e.Gate().SetCapability(principalID, permission.Capability{CanRead: true, CanWrite: true, CanSystem: true})
	e.Gate().GrantLevel(e.InstanceID(), principalID, e.ActorKind(), level, nil)
}

// Scenario 1: two-peer convergence via the engine's own document.
func TestEngineTwoPeerConvergence(t *testing.T) {
	e := newTestEngine(t)

	// A sets greeting=hi locally on the engine's document, as if
	// arriving first from connection "peer-a".
	e.Document().Set("peer-a", "greeting", "hi", core.Attributes{Type: core.TypeText})
	svAfterA := e.Document().StateVector()

	// B independently built its own value before observing A's write;
	// simulate by constructing a standalone document and merging it in
	// as "peer-b", tied at the same logical moment from B's perspective.
	peerB := crdt.NewDocument(core.NewClock())
	peerB.Set("peer-b-local", "greeting", "bye", core.Attributes{Type: core.TypeText})
	e.Document().ApplyUpdate("peer-b", peerB.DeltaSince(0))

	finalValue, ok := e.Document().Get("greeting")
	if !ok {
		t.Fatal("expected greeting to exist after merge")
	}

	// A third, late-joining peer converges to the same value via a
	// single Step-1/Step-2 exchange; the handler's own opening Step-1
	// must also announce the post-merge state vector.
	handler := syncproto.NewHandler(e.Document())
	opening, err := handler.OpeningStep1()
	if err != nil {
		t.Fatalf("opening step1: %v", err)
	}
	openingSV, err := decodeStep1Payload(t, opening)
	if err != nil {
		t.Fatalf("decode opening step1: %v", err)
	}
	if openingSV != e.Document().StateVector() {
		t.Fatalf("expected opening step1 to announce the current state vector %d, got %d", e.Document().StateVector(), openingSV)
	}

	step2, ok2, _, err := handler.Handle("late-peer", mustEncodeStep1(t, 0))
	if err != nil || !ok2 {
		t.Fatalf("handle step1 from late peer: ok=%v err=%v", ok2, err)
	}
	lateDoc := crdt.NewDocument(core.NewClock())
	p, err := decodeStep2Payload(t, step2)
	if err != nil {
		t.Fatalf("decode step2: %v", err)
	}
	lateDoc.ApplyUpdate("engine", p)
	lateVal, _ := lateDoc.Get("greeting")

	if lateVal.Value != finalValue.Value {
		t.Fatalf("late joiner diverged: got %v, want %v", lateVal.Value, finalValue.Value)
	}
	if svAfterA == 0 {
		t.Fatal("expected a nonzero state vector after the first local commit")
	}
}

func mustEncodeStep1(t *testing.T, sv uint64) syncproto.Envelope {
	t.Helper()
	env, err := syncproto.EncodeStep1(sv)
	if err != nil {
		t.Fatalf("encode step1: %v", err)
	}
	return env
}

func decodeStep2Payload(t *testing.T, env syncproto.Envelope) (crdt.DocumentDelta, error) {
	t.Helper()
	var p syncproto.Step2Payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return crdt.DocumentDelta{}, err
	}
	return p.Delta, nil
}

func decodeStep1Payload(t *testing.T, env syncproto.Envelope) (uint64, error) {
	t.Helper()
	var p syncproto.Step1Payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return 0, err
	}
	return p.StateVector, nil
}

// Scenario 2: bridge-to-stream propagation.
func TestEngineBridgeToStreamPropagation(t *testing.T) {
	e := newTestEngine(t)
	grantLevel(e, "alice", permission.LevelWrite)

	var mu sync.Mutex
	var received [][]byte
	e.Registry().Register("peer-1", session.Record{PrincipalID: "bob", Permission: permission.LevelRead}, func(payload []byte) error {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		return nil
	})

	s := bridge.New(e)
	body, _ := json.Marshal(map[string]any{
		"key":         "name",
		"value":       "Alice",
		"attributes":  core.Attributes{Type: core.TypeText},
		"principalId": "alice",
	})
	req := httptest.NewRequest(http.MethodPost, "/keys", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The registry delivers on each connection's pump goroutine, so
	// wait briefly for the envelope to arrive before counting.
	deadline := time.Now().Add(time.Second)
	mu.Lock()
	count := len(received)
	mu.Unlock()
	for count == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count = len(received)
		mu.Unlock()
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 broadcast envelope, got %d", count)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/keys", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	var out map[string]struct {
		Value      string          `json:"value"`
		Attributes core.Attributes `json:"attributes"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["name"].Value != "Alice" {
		t.Fatalf("expected name=Alice in listing, got %+v", out)
	}
}

// Scenario 3: permission denial on a streaming clear.
func TestEnginePermissionDenialOnStreamingClear(t *testing.T) {
	e := newTestEngine(t)
	e.Document().Set("bridge", "k", "v", core.Attributes{Type: core.TypeText})
	grantLevel(e, "carol", permission.LevelWrite)

	var mu sync.Mutex
	var received [][]byte
	e.Registry().Register("peer-1", session.Record{}, func(payload []byte) error {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		return nil
	})

	legacy := syncproto.NewLegacyHandler(e.Document(), e.Gate(), e.InstanceID(), true, func(string) (string, bool) { return "", false })
	_, err := legacy.HandleClear("conn-carol", "carol", e.ActorKind())
	if _, ok := err.(enginerr.PermissionDenied); !ok {
		t.Fatalf("expected PermissionDenied for write-level clear attempt, got %v", err)
	}
	if _, ok := e.Document().Get("k"); !ok {
		t.Fatal("expected document unchanged after denied clear")
	}

	mu.Lock()
	count := len(received)
	mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no broadcast on a denied mutation, got %d", count)
	}
}

// Scenario 4: hibernation round trip — the session record travels with
// the reconnecting frame rather than an engine-global table, so after
// eviction (CloseAll) a new connection from the same principal is
// accepted with an identical record.
func TestEngineHibernationRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	rec := session.Record{PrincipalID: "p1", ActorKind: e.ActorKind(), Permission: permission.LevelWrite}
	e.Registry().Register("conn-1", rec, func([]byte) error { return nil })

	e.Registry().CloseAll()
	if e.Registry().Len() != 0 {
		t.Fatal("expected registry empty after eviction")
	}

	reconnected := e.Registry().Register("conn-2", rec, func([]byte) error { return nil })
	if reconnected.Record != rec {
		t.Fatalf("expected the reconnecting frame to carry an identical session record, got %+v", reconnected.Record)
	}

	legacy := syncproto.NewLegacyHandler(e.Document(), e.Gate(), e.InstanceID(), true, func(string) (string, bool) { return "", false })
	grantLevel(e, "p1", permission.LevelWrite)
	if _, err := legacy.HandleSet("conn-2", "p1", e.ActorKind(), syncproto.LegacyFrame{Name: "k", Value: []byte(`"v"`)}); err != nil {
		t.Fatalf("expected the revived connection's frame to be accepted, got %v", err)
	}
}

// Scenario 5: legacy -> v2 migration runs on boot.
func TestEngineLegacyMigrationOnBoot(t *testing.T) {
	dataDir := t.TempDir()
	instanceID := "legacy-inst"
	dbPath := filepath.Join(dataDir, instanceID+".db")

	seedLegacySchema(t, dbPath)

	e, err := engine.New(engine.Config{DataDir: dataDir, InstanceID: instanceID, ActorKind: "user"})
	if err != nil {
		t.Fatalf("boot engine: %v", err)
	}

	entry, ok := e.Document().Get("old-key")
	if !ok {
		t.Fatal("expected the legacy row to survive migration and hydration")
	}
	wantSystem := map[core.SystemTag]bool{core.SystemPrompt: true, core.LLMWrite: true, core.ApplyTemplate: true}
	if len(entry.Attributes.SystemTags) != len(wantSystem) {
		t.Fatalf("expected system_tags to contain SystemPrompt, LLMWrite, ApplyTemplate; got %v", entry.Attributes.SystemTags)
	}
	for _, tag := range entry.Attributes.SystemTags {
		if !wantSystem[tag] {
			t.Errorf("unexpected system tag %q", tag)
		}
	}
	if len(entry.Attributes.ContentTags) != 1 || entry.Attributes.ContentTags[0] != "SystemPrompt" {
		t.Fatalf("expected content_tags carried over from legacy tags column, got %v", entry.Attributes.ContentTags)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != migrate.TargetVersion {
		t.Fatalf("expected schema_version=%d after boot, got %d", migrate.TargetVersion, version)
	}
}

func seedLegacySchema(t *testing.T, dbPath string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	schema := `
		CREATE TABLE keys (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT NOT NULL,
			readonly INTEGER NOT NULL DEFAULT 0,
			visible INTEGER NOT NULL DEFAULT 0,
			hardcoded INTEGER NOT NULL DEFAULT 0,
			template INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			z_index INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO keys (name, value, type, readonly, visible, hardcoded, template, tags, z_index, updated_at)
		 VALUES ('old-key', '"v"', 'text', 0, 1, 0, 1, '["SystemPrompt"]', 0, 1)`,
	); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
}

// Scenario 6: destroy closes peers and empties storage.
func TestEngineDestroyClosesPeersAndEmptiesStorage(t *testing.T) {
	e := newTestEngine(t)
	grantLevel(e, "alice", permission.LevelSystem)

	for i := 0; i < 5; i++ {
		e.Document().Set("bridge", keyName(i), i, core.Attributes{Type: core.TypeText})
	}

	connA := e.Registry().Register("peer-a", session.Record{}, func([]byte) error { return nil })
	connB := e.Registry().Register("peer-b", session.Record{}, func([]byte) error { return nil })

	s := bridge.New(e)
	req := httptest.NewRequest(http.MethodDelete, "/destroy?principalId=alice", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	if connA.State() != session.Closed || connB.State() != session.Closed {
		t.Fatal("expected both peers closed after destroy")
	}
	if e.Registry().Len() != 0 {
		t.Fatal("expected registry empty after destroy")
	}
	if len(e.Document().List()) != 0 {
		t.Fatal("expected document empty after destroy")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/keys", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	var out map[string]any
	json.Unmarshal(rec2.Body.Bytes(), &out)
	if len(out) != 0 {
		t.Fatalf("expected empty listing after destroy, got %v", out)
	}
}

func keyName(i int) string {
	return string(rune('a' + i))
}
