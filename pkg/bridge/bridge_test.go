package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amaydixit11/mindcache-engine/internal/core"
	"github.com/amaydixit11/mindcache-engine/internal/engine"
	"github.com/amaydixit11/mindcache-engine/internal/permission"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	e, err := engine.New(engine.Config{InMemory: true, InstanceID: "inst-1", ActorKind: "user"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return New(e), e
}

func grantWrite(e *engine.Engine, principalID string) {
	e.Gate().SetCapability(principalID, permission.Capability{CanRead: true, CanWrite: true, CanSystem: true})
	e.Gate().GrantLevel(e.InstanceID(), principalID, e.ActorKind(), permission.LevelSystem, nil)
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestBridgeOptionsRequestReturnsCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/keys", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for OPTIONS, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS origin header")
	}
}

func TestSetKeyRequiresWritePermission(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a grant, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSetKeyThenListKeys(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	rec := doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodGet, "/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing keys, got %d", rec.Code)
	}
	var out map[string]keyView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	view, ok := out["greeting"]
	if !ok || view.Value != "hi" {
		t.Fatalf("expected greeting=hi in listing, got %+v", out)
	}
}

func TestListKeysReportsStampedUpdatedAt(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})

	rec := doRequest(s, http.MethodGet, "/keys", nil)
	var out map[string]keyView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	view, ok := out["greeting"]
	if !ok {
		t.Fatalf("expected greeting in listing, got %+v", out)
	}
	if view.UpdatedAt == 0 {
		t.Fatal("expected the projector's stamped updatedAt to survive through GET /keys, got 0")
	}
}

func TestSetKeyRejectsSystemKeyPrefix(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	rec := doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "$system_reserved", Value: "x", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reserved system key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSetKeyRejectsMissingKey(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	rec := doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "", Value: "x", PrincipalID: "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty key, got %d", rec.Code)
	}
}

func TestDeleteKeyRemovesEntry(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")
	doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})

	req := httptest.NewRequest(http.MethodDelete, "/keys/greeting?principalId=alice", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, ok := e.Document().Get("greeting"); ok {
		t.Fatal("expected greeting to be gone after delete")
	}
}

func TestDeleteKeyMissingReturns404(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	req := httptest.NewRequest(http.MethodDelete, "/keys/ghost?principalId=alice", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDestroyRequiresSystemLevel(t *testing.T) {
	s, e := newTestServer(t)
	e.Gate().SetCapability("alice", permission.Capability{CanRead: true, CanWrite: true})
	e.Gate().GrantLevel(e.InstanceID(), "alice", e.ActorKind(), permission.LevelWrite, nil)

	req := httptest.NewRequest(http.MethodDelete, "/destroy?principalId=alice", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with only write-level grant, got %d", rec.Code)
	}
}

func TestDestroyWipesDocument(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")
	doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})

	req := httptest.NewRequest(http.MethodDelete, "/destroy?principalId=alice", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(e.Document().List()) != 0 {
		t.Fatal("expected document empty after destroy")
	}
}

func TestImportAppliesParsedMarkdownEntries(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	md := "## STM Entries\n\n### greeting\n- **Type**: text\n- **Value**: hello world\n\n"
	rec := doRequest(s, http.MethodPost, "/import", importRequest{Markdown: md, PrincipalID: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, ok := e.Document().Get("greeting"); !ok {
		t.Fatal("expected 'greeting' entry to exist after import")
	}
}

func TestImportRequiresWritePermission(t *testing.T) {
	s, _ := newTestServer(t)
	md := "## STM Entries\n\n### k\n- **Type**: text\n- **Value**: v\n\n"
	rec := doRequest(s, http.MethodPost, "/import", importRequest{Markdown: md, PrincipalID: "alice"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestImportAppliesJSONBackupEntries(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	data := `{"version":"1.0","entryCount":1,"entries":[{"name":"greeting","value":"hi","attributes":{"type":"text"}}]}`
	rec := doRequest(s, http.MethodPost, "/import", importRequest{Format: "json", Data: data, PrincipalID: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if entry, ok := e.Document().Get("greeting"); !ok || entry.Value != "hi" {
		t.Fatalf("expected greeting=hi after JSON import, got %+v ok=%v", entry, ok)
	}
}

func TestImportRejectsUnsupportedFormat(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")

	rec := doRequest(s, http.MethodPost, "/import", importRequest{Format: "xml", Data: "<x/>", PrincipalID: "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExportDefaultsToJSONAndIncludesSetEntries(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")
	doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})

	rec := doRequest(s, http.MethodGet, "/export?principalId=alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"greeting"`)) {
		t.Fatalf("expected exported backup to mention 'greeting', got %s", rec.Body.String())
	}
}

func TestExportCSVFormat(t *testing.T) {
	s, e := newTestServer(t)
	grantWrite(e, "alice")
	doRequest(s, http.MethodPost, "/keys", setKeyRequest{Key: "greeting", Value: "hi", Attributes: core.Attributes{Type: core.TypeText}, PrincipalID: "alice"})

	rec := doRequest(s, http.MethodGet, "/export?format=csv&principalId=alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected CSV content type, got %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("greeting")) {
		t.Fatalf("expected CSV body to mention 'greeting', got %s", rec.Body.String())
	}
}

func TestExportRequiresAtLeastReadPermission(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/export?principalId=alice", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without any grant, got %d", rec.Code)
	}
}
