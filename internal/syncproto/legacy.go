package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/amaydixit11/mindcache-engine/internal/core"
	"github.com/amaydixit11/mindcache-engine/internal/crdt"
	"github.com/amaydixit11/mindcache-engine/internal/enginerr"
	"github.com/amaydixit11/mindcache-engine/internal/permission"
)

// LegacyFrame is one JSON control frame on the fallback path (§6
// "Legacy JSON control frames"). New clients should not emit these;
// they are accepted for compatibility and route through the same
// Permission Gate and CRDT transaction path as the binary protocol.
type LegacyFrame struct {
	Type        string          `json:"type"`
	APIKey      string          `json:"apiKey,omitempty"`
	Name        string          `json:"name,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Attributes  core.Attributes `json:"attributes,omitempty"`
}

// LegacyReply is one outbound JSON frame on the fallback path.
type LegacyReply struct {
	Type        string `json:"type"`
	InstanceID  string `json:"instanceId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Permission  string `json:"permission,omitempty"`
	Name        string `json:"name,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// LegacyAuthenticator resolves an apiKey to a synthetic principal
// under the legacy `auth` handshake. Per §4.3 "Upgrade accepts only
// if... trusted headers" are present; missing them falls back to this
// path, which only grants write access and only in non-production
// modes (§4.3).
type LegacyAuthenticator func(apiKey string) (principalID string, ok bool)

// LegacyHandler processes legacy JSON control frames against doc,
// gated by gate, mirroring the binary Handler's role for the fallback
// path described in §6.
type LegacyHandler struct {
	doc            *crdt.Document
	gate           *permission.Gate
	instanceID     string
	nonProduction  bool
	authenticate   LegacyAuthenticator
}

// NewLegacyHandler builds a legacy-frame handler. nonProduction gates
// whether the `auth` handshake is even accepted (§4.3: "granting only
// write to a synthetic principal and only in non-production modes").
func NewLegacyHandler(doc *crdt.Document, gate *permission.Gate, instanceID string, nonProduction bool, auth LegacyAuthenticator) *LegacyHandler {
	return &LegacyHandler{doc: doc, gate: gate, instanceID: instanceID, nonProduction: nonProduction, authenticate: auth}
}

// HandleAuth processes a legacy `{type:"auth", apiKey}` frame.
func (h *LegacyHandler) HandleAuth(frame LegacyFrame) (LegacyReply, string, error) {
	if !h.nonProduction {
		return LegacyReply{}, "", enginerr.Protocol{Reason: "legacy auth handshake disabled outside non-production modes"}
	}
	principalID, ok := h.authenticate(frame.APIKey)
	if !ok {
		return LegacyReply{}, "", enginerr.Protocol{Reason: "invalid apiKey"}
	}
	if err := h.gate.SetCapability(principalID, permission.Capability{CanRead: true, CanWrite: true}); err != nil {
		return LegacyReply{}, "", fmt.Errorf("legacy auth: seed synthetic capability: %w", err)
	}
	return LegacyReply{
		Type:       "auth_success",
		InstanceID: h.instanceID,
		UserID:     principalID,
		Permission: permission.LevelWrite.String(),
	}, principalID, nil
}

// HandleSet processes a legacy `{type:"set", name, value, attributes}` frame.
func (h *LegacyHandler) HandleSet(connHandle, principalID, actorKind string, frame LegacyFrame) (LegacyReply, error) {
	if err := h.gate.Check(h.instanceID, principalID, actorKind, permission.LevelWrite); err != nil {
		return LegacyReply{}, enginerr.PermissionDenied{Cause: err}
	}
	var value any
	if len(frame.Value) > 0 {
		if err := json.Unmarshal(frame.Value, &value); err != nil {
			return LegacyReply{}, enginerr.Validation{Reason: "malformed value: " + err.Error()}
		}
	}
	h.doc.Set(connHandle, frame.Name, value, frame.Attributes)
	return LegacyReply{Type: "key_updated", Name: frame.Name}, nil
}

// HandleDelete processes a legacy `{type:"delete", name}` frame.
func (h *LegacyHandler) HandleDelete(connHandle, principalID, actorKind string, frame LegacyFrame) (LegacyReply, error) {
	if err := h.gate.Check(h.instanceID, principalID, actorKind, permission.LevelWrite); err != nil {
		return LegacyReply{}, enginerr.PermissionDenied{Cause: err}
	}
	h.doc.Delete(connHandle, frame.Name)
	return LegacyReply{Type: "key_deleted", Name: frame.Name}, nil
}

// HandleClear processes a legacy `{type:"clear"}` frame. Clearing the
// whole instance requires system level (§4.5's resource-grant gate).
func (h *LegacyHandler) HandleClear(connHandle, principalID, actorKind string) (LegacyReply, error) {
	if err := h.gate.Check(h.instanceID, principalID, actorKind, permission.LevelSystem); err != nil {
		return LegacyReply{}, enginerr.PermissionDenied{Cause: err}
	}
	h.doc.Clear(connHandle)
	return LegacyReply{Type: "cleared"}, nil
}

// HandlePing processes a legacy `{type:"ping"}` frame.
func (h *LegacyHandler) HandlePing() LegacyReply {
	return LegacyReply{Type: "pong"}
}

// ErrorReply builds the legacy `{type:"error"}` frame for err.
func ErrorReply(err error) LegacyReply {
	code := "INTERNAL"
	switch err.(type) {
	case enginerr.PermissionDenied:
		code = "NO_PERMISSION"
	case enginerr.Validation:
		code = "VALIDATION"
	case enginerr.NotFound:
		code = "NOT_FOUND"
	case enginerr.Protocol:
		code = "PROTOCOL"
	}
	return LegacyReply{Type: "error", Code: code, Message: err.Error()}
}
