package importer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/amaydixit11/mindcache-engine/internal/core"
)

func sampleEntries() []core.Entry {
	return []core.Entry{
		core.NewEntry("greeting", "hello world", core.Attributes{
			Type:        core.TypeText,
			ContentTags: []string{"work", "urgent"},
			SystemTags:  []core.SystemTag{core.SystemPrompt},
			ZIndex:      2,
		}),
		core.NewEntry("count", "42", core.Attributes{Type: core.TypeJSON}),
	}
}

func TestExportImportJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(sampleEntries(), FormatJSON, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	entries, err := Import(&buf, FormatJSON)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "greeting" || entries[0].Attributes.ZIndex != 2 {
		t.Fatalf("unexpected round-tripped entry: %+v", entries[0])
	}
	if len(entries[0].Attributes.ContentTags) != 2 {
		t.Fatalf("expected 2 content tags, got %v", entries[0].Attributes.ContentTags)
	}
}

func TestExportImportCSVRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(sampleEntries(), FormatCSV, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	entries, err := Import(&buf, FormatCSV)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "greeting" || entries[0].Value != "hello world" {
		t.Fatalf("unexpected round-tripped entry: %+v", entries[0])
	}
	if entries[0].Attributes.ZIndex != 2 {
		t.Fatalf("expected zIndex 2 to survive CSV round trip, got %d", entries[0].Attributes.ZIndex)
	}
	wantTags := map[string]bool{"work": true, "urgent": true}
	for _, tag := range entries[0].Attributes.ContentTags {
		if !wantTags[tag] {
			t.Errorf("unexpected content tag %q", tag)
		}
	}
	if entries[0].Attributes.SystemTags[0] != core.SystemPrompt {
		t.Fatalf("expected SystemPrompt tag to survive CSV round trip, got %v", entries[0].Attributes.SystemTags)
	}
}

func TestImportJSONRejectsInvalidAttrType(t *testing.T) {
	body := `{"version":"1.0","entryCount":1,"entries":[{"name":"x","value":"v","attributes":{"type":"bogus"}}]}`
	if _, err := Import(strings.NewReader(body), FormatJSON); err == nil {
		t.Fatal("expected error for invalid attributes.type")
	}
}

func TestImportCSVRejectsMissingNameColumn(t *testing.T) {
	body := "type,value\ntext,hi\n"
	if _, err := Import(strings.NewReader(body), FormatCSV); err == nil {
		t.Fatal("expected error for CSV missing a name column")
	}
}

func TestImportCSVRejectsInvalidZIndex(t *testing.T) {
	body := "name,type,value,zIndex\nx,text,hi,notanumber\n"
	if _, err := Import(strings.NewReader(body), FormatCSV); err == nil {
		t.Fatal("expected error for invalid zIndex")
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(sampleEntries(), Format("xml"), &buf); err == nil {
		t.Fatal("expected error for unknown export format")
	}
}

func TestImportRejectsUnknownFormat(t *testing.T) {
	if _, err := Import(strings.NewReader(""), Format("xml")); err == nil {
		t.Fatal("expected error for unknown import format")
	}
}
