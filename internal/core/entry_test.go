package core

import "testing"

func TestIsSystemKey(t *testing.T) {
	cases := map[string]bool{
		"$instance": true,
		"$":         true,
		"normal":    false,
		"":          false,
	}
	for name, want := range cases {
		if got := IsSystemKey(name); got != want {
			t.Errorf("IsSystemKey(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestAttrTypeIsValid(t *testing.T) {
	valid := []AttrType{TypeText, TypeJSON, TypeImage, TypeFile}
	for _, at := range valid {
		if !at.IsValid() {
			t.Errorf("expected %q to be valid", at)
		}
	}
	if AttrType("bogus").IsValid() {
		t.Error("expected unknown attr type to be invalid")
	}
}

func TestIsValidSystemTag(t *testing.T) {
	if !IsValidSystemTag(SystemPrompt) {
		t.Error("expected SystemPrompt to be valid")
	}
	if IsValidSystemTag(SystemTag("nonsense")) {
		t.Error("expected unknown system tag to be invalid")
	}
}

func TestAttributesHasSystemTag(t *testing.T) {
	a := Attributes{SystemTags: []SystemTag{LLMWrite, Protected}}
	if !a.HasSystemTag(LLMWrite) {
		t.Error("expected HasSystemTag(LLMWrite) true")
	}
	if a.HasSystemTag(SystemPrompt) {
		t.Error("expected HasSystemTag(SystemPrompt) false")
	}
}

func TestAttributesCloneIsDeep(t *testing.T) {
	a := Attributes{ContentTags: []string{"a"}, SystemTags: []SystemTag{LLMWrite}}
	clone := a.Clone()
	clone.ContentTags[0] = "mutated"
	clone.SystemTags[0] = Protected

	if a.ContentTags[0] != "a" {
		t.Errorf("mutating clone's ContentTags leaked into original: %v", a.ContentTags)
	}
	if a.SystemTags[0] != LLMWrite {
		t.Errorf("mutating clone's SystemTags leaked into original: %v", a.SystemTags)
	}
}

func TestNewEntryDefaultsNilSlices(t *testing.T) {
	e := NewEntry("k", "v", Attributes{})
	if e.Attributes.ContentTags == nil {
		t.Error("expected ContentTags to default to empty slice, not nil")
	}
	if e.Attributes.SystemTags == nil {
		t.Error("expected SystemTags to default to empty slice, not nil")
	}
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := NewEntry("k", "v", Attributes{ContentTags: []string{"x"}})
	clone := e.Clone()
	clone.Attributes.ContentTags[0] = "y"
	if e.Attributes.ContentTags[0] != "x" {
		t.Error("mutating clone's attributes leaked into original entry")
	}
}

func TestSortByDisplayOrder(t *testing.T) {
	entries := []Entry{
		{Name: "b", Attributes: Attributes{ZIndex: 1}},
		{Name: "a", Attributes: Attributes{ZIndex: 1}},
		{Name: "z", Attributes: Attributes{ZIndex: 0}},
	}
	SortByDisplayOrder(entries)

	want := []string{"z", "a", "b"}
	for i, name := range want {
		if entries[i].Name != name {
			t.Errorf("position %d: got %q, want %q", i, entries[i].Name, name)
		}
	}
}
