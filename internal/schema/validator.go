// Package schema provides JSON Schema validation for entry values,
// kept from the teacher almost unchanged (it validated entry content
// by entryType key; this validates entry.Value by
// entry.Attributes.ContentType key — the same registry-of-compiled-
// schemas shape, re-keyed for SPEC_FULL's Entry).
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/amaydixit11/mindcache-engine/internal/core"
)

// Schema is a compiled JSON Schema bound to a contentType key.
type Schema struct {
	ContentType string          `json:"contentType"`
	Definition  json.RawMessage `json:"definition"`
	compiled    *gojsonschema.Schema
}

// ValidationError is one field-level schema violation.
type ValidationError struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// ValidationResult is the outcome of validating one entry's value.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Registry manages schemas keyed by contentType (§3's Attributes.ContentType).
type Registry struct {
	schemas map[string]*Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// RegisterFromJSON compiles and registers a schema for contentType.
func (r *Registry) RegisterFromJSON(contentType string, definition []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loader := gojsonschema.NewBytesLoader(definition)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %q: %w", contentType, err)
	}
	r.schemas[contentType] = &Schema{ContentType: contentType, Definition: definition, compiled: compiled}
	return nil
}

// Unregister removes a schema.
func (r *Registry) Unregister(contentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, contentType)
}

// HasSchema reports whether contentType has a registered schema.
func (r *Registry) HasSchema(contentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[contentType]
	return ok
}

// ListSchemas returns every registered contentType.
func (r *Registry) ListSchemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	return types
}

// ValidateEntry validates entry.Value against the schema registered
// for entry.Attributes.ContentType. An entry whose content type has no
// registered schema passes unconditionally (schemas are opt-in,
// matching the teacher's "no schema registered - validation passes").
func (r *Registry) ValidateEntry(entry core.Entry) ValidationResult {
	r.mu.RLock()
	s, ok := r.schemas[entry.Attributes.ContentType]
	r.mu.RUnlock()
	if !ok {
		return ValidationResult{Valid: true}
	}

	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []ValidationError{{Field: "value", Description: err.Error()}}}
	}
	return s.validate(valueJSON)
}

func (s *Schema) validate(content []byte) ValidationResult {
	if s.compiled == nil {
		return ValidationResult{Valid: true}
	}
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(content))
	if err != nil {
		return ValidationResult{Valid: false, Errors: []ValidationError{{Field: "value", Description: fmt.Sprintf("validation error: %v", err)}}}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}
	errs := make([]ValidationError, len(result.Errors()))
	for i, e := range result.Errors() {
		errs[i] = ValidationError{Field: e.Field(), Description: e.Description()}
	}
	return ValidationResult{Valid: false, Errors: errs}
}
