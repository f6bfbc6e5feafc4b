// Package importer implements bulk backup export/import for entries in
// JSON and CSV, the two portable formats the markdown dialect (§6)
// does not cover. It is a plain data transform: it never touches a
// document directly, mirroring the markdown package's separation
// between parsing and the CRDT transaction that applies the result.
package importer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/amaydixit11/mindcache-engine/internal/core"
)

// Format names a supported backup encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// IsValid reports whether f is a known format.
func (f Format) IsValid() bool {
	return f == FormatJSON || f == FormatCSV
}

// backup is the JSON export envelope: entries plus a version marker so
// future format changes can branch on it.
type backup struct {
	Version    string      `json:"version"`
	EntryCount int         `json:"entryCount"`
	Entries    []core.Entry `json:"entries"`
}

const backupVersion = "1.0"

// Export writes entries to w in the given format.
func Export(entries []core.Entry, format Format, w io.Writer) error {
	switch format {
	case FormatJSON:
		return exportJSON(entries, w)
	case FormatCSV:
		return exportCSV(entries, w)
	default:
		return fmt.Errorf("importer: unknown export format %q", format)
	}
}

func exportJSON(entries []core.Entry, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(backup{Version: backupVersion, EntryCount: len(entries), Entries: entries})
}

var csvHeader = []string{"name", "type", "contentType", "value", "contentTags", "systemTags", "zIndex"}

func exportCSV(entries []core.Entry, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		value, err := encodeCSVValue(e.Value)
		if err != nil {
			return fmt.Errorf("importer: entry %q: %w", e.Name, err)
		}
		row := []string{
			e.Name,
			string(e.Attributes.Type),
			e.Attributes.ContentType,
			value,
			strings.Join(e.Attributes.ContentTags, ";"),
			joinSystemTags(e.Attributes.SystemTags),
			strconv.Itoa(e.Attributes.ZIndex),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

func encodeCSVValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func joinSystemTags(tags []core.SystemTag) string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return strings.Join(out, ";")
}

// Import reads entries from r in the given format. It validates each
// entry's attribute type, as the bridge's POST /keys does; system tags
// are not checked against the closed set.
func Import(r io.Reader, format Format) ([]core.Entry, error) {
	switch format {
	case FormatJSON:
		return importJSON(r)
	case FormatCSV:
		return importCSV(r)
	default:
		return nil, fmt.Errorf("importer: unknown import format %q", format)
	}
}

func importJSON(r io.Reader) ([]core.Entry, error) {
	var b backup
	dec := json.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("importer: invalid JSON backup: %w", err)
	}
	for _, e := range b.Entries {
		if !e.Attributes.Type.IsValid() {
			return nil, fmt.Errorf("importer: entry %q has invalid attributes.type %q", e.Name, e.Attributes.Type)
		}
	}
	return b.Entries, nil
}

func importCSV(r io.Reader) ([]core.Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("importer: failed to read CSV header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(col)] = i
	}
	if _, ok := idx["name"]; !ok {
		return nil, fmt.Errorf("importer: CSV backup missing required %q column", "name")
	}

	var entries []core.Entry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name := field(record, idx, "name")
		if name == "" {
			return nil, fmt.Errorf("importer: CSV row missing entry name")
		}
		attrType := core.AttrType(field(record, idx, "type"))
		if !attrType.IsValid() {
			return nil, fmt.Errorf("importer: entry %q has invalid type %q", name, attrType)
		}
		zIndex := 0
		if z := field(record, idx, "zindex"); z != "" {
			zIndex, err = strconv.Atoi(z)
			if err != nil {
				return nil, fmt.Errorf("importer: entry %q has invalid zIndex %q: %w", name, z, err)
			}
		}

		attrs := core.Attributes{
			Type:        attrType,
			ContentType: field(record, idx, "contenttype"),
			ContentTags: splitNonEmpty(field(record, idx, "contenttags")),
			ZIndex:      zIndex,
		}
		for _, tag := range splitNonEmpty(field(record, idx, "systemtags")) {
			attrs.SystemTags = append(attrs.SystemTags, core.SystemTag(tag))
		}

		entries = append(entries, core.NewEntry(name, field(record, idx, "value"), attrs))
	}
	return entries, nil
}

func field(record []string, idx map[string]int, key string) string {
	i, ok := idx[key]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
