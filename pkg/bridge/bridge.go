// Package bridge implements the HTTP Bridge (§4.6): GET/POST /keys,
// DELETE /keys/:key, DELETE /destroy, POST /import, GET /export, each
// mutating endpoint routed through the same CRDT transaction path
// streaming peers use, so every bridge mutation is observed by them
// through the same commit → broadcast path as remote mutations.
// Import/export support both the markdown dialect (§6) and a portable
// JSON/CSV backup format (internal/importer).
//
// Grounded on the teacher's pkg/api/api.go: http.ServeMux-based
// routing, CORS headers in ServeHTTP, respondJSON helper. The
// teacher's api.New took two different constructor signatures in
// different call sites (`api.New(e, peerCount)` vs `api.New(e)`,
// pkg/api/api.go vs its own doc example) — that inconsistency is not
// carried forward: New here has exactly one signature.
package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/amaydixit11/mindcache-engine/internal/core"
	"github.com/amaydixit11/mindcache-engine/internal/engine"
	"github.com/amaydixit11/mindcache-engine/internal/enginerr"
	"github.com/amaydixit11/mindcache-engine/internal/importer"
	"github.com/amaydixit11/mindcache-engine/internal/markdown"
	"github.com/amaydixit11/mindcache-engine/internal/permission"
)

// Server is the HTTP Bridge for one engine instance.
type Server struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// New builds a bridge Server for e. One constructor, one signature.
func New(e *engine.Engine) *Server {
	s := &Server{engine: e, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/keys", s.handleKeys)
	s.mux.HandleFunc("/keys/", s.handleKey)
	s.mux.HandleFunc("/destroy", s.handleDestroy)
	s.mux.HandleFunc("/import", s.handleImport)
	s.mux.HandleFunc("/export", s.handleExport)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the bridge's HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listKeys(w, r)
	case http.MethodPost:
		s.setKey(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/keys/")
	if name == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodDelete:
		s.deleteKey(w, r, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// keyView is the wire shape of one row in GET /keys' response.
type keyView struct {
	Value      any             `json:"value"`
	Attributes core.Attributes `json:"attributes"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// listKeys serves GET /keys: the materialized view the projector
// writes, sorted by (zIndex asc, name asc), §4.6. Reading the store
// rather than the live document is what makes `updatedAt` a real
// server-stamped wall-clock value instead of always zero (§3, §4.4) —
// it also means a reader can observe the previous row for a
// just-committed entry until the projector catches up, which §4.4
// calls out as an acceptable eventual-consistency window.
func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Store().List()
	if err != nil {
		writeError(w, enginerr.Storage{Cause: err})
		return
	}
	core.SortByDisplayOrder(entries)

	out := make(map[string]keyView, len(entries))
	for _, e := range entries {
		out[e.Name] = keyView{Value: e.Value, Attributes: e.Attributes, UpdatedAt: e.UpdatedAt}
	}
	respondJSON(w, http.StatusOK, out)
}

type setKeyRequest struct {
	Key         string          `json:"key"`
	Value       any             `json:"value"`
	Attributes  core.Attributes `json:"attributes"`
	PrincipalID string          `json:"principalId"`
}

// setKey serves POST /keys: one CRDT transaction with origin
// "bridge" (§4.1, §4.6).
func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, enginerr.Validation{Reason: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Key == "" {
		writeError(w, enginerr.Validation{Reason: "key is required"})
		return
	}
	if core.IsSystemKey(req.Key) {
		writeError(w, enginerr.Validation{Reason: "key uses reserved system prefix"})
		return
	}
	if !req.Attributes.Type.IsValid() {
		writeError(w, enginerr.Validation{Reason: "invalid attributes.type"})
		return
	}

	principalID := orAnonymous(req.PrincipalID)
	if err := s.engine.Gate().Check(s.engine.InstanceID(), principalID, s.engine.ActorKind(), permission.LevelWrite); err != nil {
		writeError(w, enginerr.PermissionDenied{Cause: err})
		return
	}

	entry := s.engine.Document().Set("bridge", req.Key, req.Value, req.Attributes)
	respondJSON(w, http.StatusOK, entry)
}

// deleteKey serves DELETE /keys/:key (§4.6).
func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request, name string) {
	principalID := orAnonymous(r.URL.Query().Get("principalId"))
	if err := s.engine.Gate().Check(s.engine.InstanceID(), principalID, s.engine.ActorKind(), permission.LevelWrite); err != nil {
		writeError(w, enginerr.PermissionDenied{Cause: err})
		return
	}
	if ok := s.engine.Document().Delete("bridge", name); !ok {
		writeError(w, enginerr.NotFound{Resource: "key " + name})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDestroy serves DELETE /destroy: closes every live connection,
// wipes the view, and re-initializes the document empty (§4.6).
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principalID := orAnonymous(r.URL.Query().Get("principalId"))
	if err := s.engine.Gate().Check(s.engine.InstanceID(), principalID, s.engine.ActorKind(), permission.LevelSystem); err != nil {
		writeError(w, enginerr.PermissionDenied{Cause: err})
		return
	}

	s.engine.Registry().CloseAll()
	s.engine.Document().Reset()
	rows, err := s.engine.Store().List()
	for _, row := range rows {
		if err == nil {
			err = s.engine.Store().Delete(row.Name)
		}
		s.engine.Search().Remove(row.Name)
	}
	if err == nil {
		err = s.engine.Store().SaveBlob(nil)
	}
	if err != nil {
		writeError(w, enginerr.Storage{Cause: err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	Markdown    string `json:"markdown"`
	Format      string `json:"format"`
	Data        string `json:"data"`
	PrincipalID string `json:"principalId"`
}

// handleImport serves POST /import. With no "format" (or
// format:"markdown") it parses the markdown dialect (§6); with
// format:"json" or format:"csv" it runs the backup importer instead.
// Either way each parsed entry is applied as its own origin-"import"
// Document.Set transaction, one commit event per entry; the import as
// a whole is not applied atomically.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, enginerr.Validation{Reason: "invalid JSON body: " + err.Error()})
		return
	}

	principalID := orAnonymous(req.PrincipalID)
	if err := s.engine.Gate().Check(s.engine.InstanceID(), principalID, s.engine.ActorKind(), permission.LevelWrite); err != nil {
		writeError(w, enginerr.PermissionDenied{Cause: err})
		return
	}

	var names int
	switch req.Format {
	case "", "markdown":
		parsed, err := markdown.Parse(req.Markdown)
		if err != nil {
			writeError(w, enginerr.Validation{Reason: "markdown parse failed: " + err.Error()})
			return
		}
		for _, pe := range parsed {
			s.engine.Document().Set("import", pe.Name, pe.Value, pe.Attrs)
		}
		names = len(parsed)
	case string(importer.FormatJSON), string(importer.FormatCSV):
		entries, err := importer.Import(strings.NewReader(req.Data), importer.Format(req.Format))
		if err != nil {
			writeError(w, enginerr.Validation{Reason: err.Error()})
			return
		}
		for _, e := range entries {
			s.engine.Document().Set("import", e.Name, e.Value, e.Attributes)
		}
		names = len(entries)
	default:
		writeError(w, enginerr.Validation{Reason: "unsupported import format " + req.Format})
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"imported": names})
}

// handleExport serves GET /export?format=json|csv: a point-in-time
// backup of the live document in a portable format, independent of
// the markdown dialect (§6).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principalID := orAnonymous(r.URL.Query().Get("principalId"))
	if err := s.engine.Gate().Check(s.engine.InstanceID(), principalID, s.engine.ActorKind(), permission.LevelRead); err != nil {
		writeError(w, enginerr.PermissionDenied{Cause: err})
		return
	}

	format := importer.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = importer.FormatJSON
	}
	if !format.IsValid() {
		writeError(w, enginerr.Validation{Reason: "unsupported export format " + string(format)})
		return
	}

	entries := s.engine.Document().List()
	core.SortByDisplayOrder(entries)

	var buf bytes.Buffer
	if err := importer.Export(entries, format, &buf); err != nil {
		writeError(w, enginerr.Validation{Reason: err.Error()})
		return
	}

	switch format {
	case importer.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func orAnonymous(principalID string) string {
	if principalID == "" {
		return "anonymous"
	}
	return principalID
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case enginerr.Validation:
		status = http.StatusBadRequest
	case enginerr.PermissionDenied:
		status = http.StatusForbidden
	case enginerr.NotFound:
		status = http.StatusNotFound
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
