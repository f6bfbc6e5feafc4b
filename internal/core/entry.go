// Package core defines the logical entry shape replicated by the engine.
package core

import "sort"

// AttrType is the kind of value an entry carries.
type AttrType string

const (
	TypeText  AttrType = "text"
	TypeJSON  AttrType = "json"
	TypeImage AttrType = "image"
	TypeFile  AttrType = "file"
)

// IsValid reports whether t is one of the known attribute types.
func (t AttrType) IsValid() bool {
	switch t {
	case TypeText, TypeJSON, TypeImage, TypeFile:
		return true
	default:
		return false
	}
}

// SystemTag is a member of the closed set controlling AI-visible
// behavior and entry protection.
type SystemTag string

const (
	SystemPrompt  SystemTag = "SystemPrompt"
	LLMRead       SystemTag = "LLMRead"
	LLMWrite      SystemTag = "LLMWrite"
	ApplyTemplate SystemTag = "ApplyTemplate"
	Protected     SystemTag = "protected"
)

var validSystemTags = map[SystemTag]bool{
	SystemPrompt:  true,
	LLMRead:       true,
	LLMWrite:      true,
	ApplyTemplate: true,
	Protected:     true,
}

// IsValidSystemTag reports whether tag is a known system tag.
func IsValidSystemTag(tag SystemTag) bool {
	return validSystemTags[tag]
}

// ReservedPrefix marks system keys that bridge endpoints cannot rename
// into existence.
const ReservedPrefix = "$"

// IsSystemKey reports whether name is a reserved system key.
func IsSystemKey(name string) bool {
	return len(name) > 0 && name[0:1] == ReservedPrefix
}

// Attributes carries an entry's metadata, nested under "attributes" in
// the CRDT document's per-entry map.
type Attributes struct {
	Type        AttrType    `json:"type"`
	ContentType string      `json:"contentType,omitempty"`
	ContentTags []string    `json:"contentTags"`
	SystemTags  []SystemTag `json:"systemTags"`
	ZIndex      int         `json:"zIndex"`
}

// Clone returns a deep copy of a.
func (a Attributes) Clone() Attributes {
	out := a
	out.ContentTags = append([]string(nil), a.ContentTags...)
	out.SystemTags = append([]SystemTag(nil), a.SystemTags...)
	return out
}

// HasSystemTag reports whether a carries tag.
func (a Attributes) HasSystemTag(tag SystemTag) bool {
	for _, t := range a.SystemTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Entry is the logical state unit: a named value plus its attributes,
// keyed by a UTF-8 name unique within an instance (§3).
type Entry struct {
	Name       string     `json:"name"`
	Value      any        `json:"value"`
	Attributes Attributes `json:"attributes"`
	// UpdatedAt is the server-assigned wall-clock ms at the time the
	// materialization projector last wrote this entry's row. It is not
	// part of the CRDT's own causal ordering (that lives in the
	// replica's Lamport clock) and is recomputed on every projection.
	UpdatedAt int64 `json:"updatedAt"`
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	out.Attributes = e.Attributes.Clone()
	return out
}

// NewEntry builds an entry, defaulting nil tag slices to empty ones;
// it does not validate the attributes.
func NewEntry(name string, value any, attrs Attributes) Entry {
	if attrs.ContentTags == nil {
		attrs.ContentTags = []string{}
	}
	if attrs.SystemTags == nil {
		attrs.SystemTags = []SystemTag{}
	}
	return Entry{Name: name, Value: value, Attributes: attrs}
}

// SortByDisplayOrder sorts entries ascending by zIndex, ties broken by
// name, matching §4.4's projector retrieval ordering.
func SortByDisplayOrder(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Attributes.ZIndex != entries[j].Attributes.ZIndex {
			return entries[i].Attributes.ZIndex < entries[j].Attributes.ZIndex
		}
		return entries[i].Name < entries[j].Name
	})
}
