// Package markdown implements the markdown import/export dialect
// consumed on the HTTP Bridge's `/import` and produced by the UI
// (§6): a `## STM Entries` section of `### <name>` blocks carrying
// bullet fields, plus a `## Appendix: Binary Data` section holding
// base64 payloads for binary entries.
//
// This is new code, not a straight port of the teacher's
// internal/importer.go (whose dialect is YAML frontmatter over a
// single note, a different shape entirely) — but it is written in
// that file's line-scanning idiom: strings.Split on newlines,
// strings.HasPrefix/TrimPrefix field matching, no parser-combinator
// or markdown-library dependency, matching the teacher's hand-rolled
// style for this kind of small structured text format.
package markdown

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/amaydixit11/mindcache-engine/internal/core"
)

const (
	sectionEntries = "## STM Entries"
	sectionAppendix = "## Appendix: Binary Data"
)

// ParsedEntry is one entry read from the markdown dialect, prior to
// being applied to the document (the caller decides origin/timestamp).
type ParsedEntry struct {
	Name  string
	Value any
	Attrs core.Attributes
}

// Parse reads the markdown dialect and returns the entries it
// describes, resolving any binary value references against the
// appendix.
func Parse(doc string) ([]ParsedEntry, error) {
	entriesBlock, appendixBlock := splitSections(doc)

	appendix, err := parseAppendix(appendixBlock)
	if err != nil {
		return nil, err
	}

	return parseEntries(entriesBlock, appendix)
}

// splitSections locates the `## STM Entries` and `## Appendix: Binary
// Data` sections and returns their bodies (everything up to the next
// top-level `## ` heading or end of document).
func splitSections(doc string) (entries, appendix string) {
	lines := strings.Split(doc, "\n")
	var current *strings.Builder
	var entriesBuf, appendixBuf strings.Builder

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, sectionEntries):
			current = &entriesBuf
			continue
		case strings.HasPrefix(trimmed, sectionAppendix):
			current = &appendixBuf
			continue
		case strings.HasPrefix(trimmed, "## "):
			current = nil
			continue
		}
		if current != nil {
			current.WriteString(trimmed)
			current.WriteString("\n")
		}
	}
	return entriesBuf.String(), appendixBuf.String()
}

// parseAppendix reads `### <letter>` blocks each followed by a fenced
// code block of base64 data, keyed by letter.
func parseAppendix(block string) (map[string]string, error) {
	appendix := make(map[string]string)
	lines := strings.Split(block, "\n")

	var currentLetter string
	var inFence bool
	var data strings.Builder

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "### "):
			if currentLetter != "" {
				appendix[currentLetter] = data.String()
			}
			currentLetter = strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))
			data.Reset()
			inFence = false
		case strings.HasPrefix(trimmed, "```"):
			inFence = !inFence
		case inFence:
			data.WriteString(trimmed)
		}
	}
	if currentLetter != "" {
		appendix[currentLetter] = data.String()
	}
	return appendix, nil
}

// parseEntries reads `### <name>` blocks each followed by bullet
// fields: Type, Readonly, Visible, Template, Z-Index, Tags, Content
// Type, Value.
func parseEntries(block string, appendix map[string]string) ([]ParsedEntry, error) {
	lines := strings.Split(block, "\n")

	var entries []ParsedEntry
	var name string
	fields := map[string]string{}
	have := false

	flush := func() error {
		if !have {
			return nil
		}
		entry, err := buildEntry(name, fields, appendix)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		fields = map[string]string{}
		have = false
		return nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "### ") {
			if err := flush(); err != nil {
				return nil, err
			}
			name = strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))
			have = true
			continue
		}
		if !have || !strings.HasPrefix(trimmed, "- **") {
			continue
		}
		key, value, ok := parseBulletField(trimmed)
		if !ok {
			continue
		}
		fields[key] = value
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseBulletField parses one `- **Field**: value` line.
func parseBulletField(line string) (key, value string, ok bool) {
	rest := strings.TrimPrefix(line, "- **")
	idx := strings.Index(rest, "**")
	if idx < 0 {
		return "", "", false
	}
	key = rest[:idx]
	rest = strings.TrimPrefix(rest[idx+2:], ":")
	return key, strings.TrimSpace(rest), true
}

func buildEntry(name string, fields map[string]string, appendix map[string]string) (ParsedEntry, error) {
	attrs := core.Attributes{
		Type:        core.AttrType(orDefault(fields["Type"], string(core.TypeText))),
		ContentType: fields["Content Type"],
		ZIndex:      0,
	}
	if z, ok := fields["Z-Index"]; ok && z != "" {
		n, err := strconv.Atoi(z)
		if err != nil {
			return ParsedEntry{}, fmt.Errorf("markdown: entry %q has invalid Z-Index %q: %w", name, z, err)
		}
		attrs.ZIndex = n
	}
	if tags, ok := fields["Tags"]; ok && tags != "" {
		for _, t := range strings.Split(tags, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				attrs.ContentTags = append(attrs.ContentTags, t)
			}
		}
	}

	readonly := parseBool(fields["Readonly"])
	visible := parseBool(fields["Visible"])
	template := parseBool(fields["Template"])
	attrs.SystemTags = deriveSystemTags(readonly, visible, template)

	value, err := resolveValue(fields["Value"], appendix)
	if err != nil {
		return ParsedEntry{}, fmt.Errorf("markdown: entry %q: %w", name, err)
	}

	return ParsedEntry{Name: name, Value: value, Attrs: attrs}, nil
}

// deriveSystemTags mirrors internal/migrate's legacy-boolean mapping
// (§9 Open Question (iii): `visible` maps to SystemPrompt only).
func deriveSystemTags(readonly, visible, template bool) []core.SystemTag {
	var tags []core.SystemTag
	if visible {
		tags = append(tags, core.SystemPrompt)
	}
	if !readonly {
		tags = append(tags, core.LLMWrite)
	}
	if template {
		tags = append(tags, core.ApplyTemplate)
	}
	return tags
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(s))
	return v
}

const appendixRefPrefix = "appendix:"

// resolveValue returns raw as the entry value, unless it references an
// appendix letter (`appendix:A`), in which case the base64 payload for
// that letter is returned instead.
func resolveValue(raw string, appendix map[string]string) (any, error) {
	if strings.HasPrefix(raw, appendixRefPrefix) {
		letter := strings.TrimSpace(strings.TrimPrefix(raw, appendixRefPrefix))
		data, ok := appendix[letter]
		if !ok {
			return nil, fmt.Errorf("value references unknown appendix entry %q", letter)
		}
		return data, nil
	}
	return raw, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Write renders entries back into the markdown dialect, the inverse
// of Parse. Binary-valued entries (Type image/file) are emitted into
// the appendix and referenced by letter.
func Write(entries []core.Entry) string {
	var body strings.Builder
	var appendixBody strings.Builder
	nextLetter := 'A'

	body.WriteString(sectionEntries)
	body.WriteString("\n\n")

	core.SortByDisplayOrder(entries)
	for _, e := range entries {
		body.WriteString("### ")
		body.WriteString(e.Name)
		body.WriteString("\n")

		valueStr := fmt.Sprintf("%v", e.Value)
		if e.Attributes.Type == core.TypeImage || e.Attributes.Type == core.TypeFile {
			letter := string(nextLetter)
			nextLetter++
			appendixBody.WriteString("### ")
			appendixBody.WriteString(letter)
			appendixBody.WriteString("\n```\n")
			appendixBody.WriteString(valueStr)
			appendixBody.WriteString("\n```\n\n")
			valueStr = appendixRefPrefix + letter
		}

		visible := e.Attributes.HasSystemTag(core.SystemPrompt)
		readonly := !e.Attributes.HasSystemTag(core.LLMWrite)
		template := e.Attributes.HasSystemTag(core.ApplyTemplate)

		fmt.Fprintf(&body, "- **Type**: %s\n", e.Attributes.Type)
		fmt.Fprintf(&body, "- **Readonly**: %v\n", readonly)
		fmt.Fprintf(&body, "- **Visible**: %v\n", visible)
		fmt.Fprintf(&body, "- **Template**: %v\n", template)
		fmt.Fprintf(&body, "- **Z-Index**: %d\n", e.Attributes.ZIndex)
		fmt.Fprintf(&body, "- **Tags**: %s\n", strings.Join(e.Attributes.ContentTags, ", "))
		fmt.Fprintf(&body, "- **Content Type**: %s\n", e.Attributes.ContentType)
		fmt.Fprintf(&body, "- **Value**: %s\n\n", valueStr)
	}

	if appendixBody.Len() == 0 {
		return body.String()
	}

	var out strings.Builder
	out.WriteString(body.String())
	out.WriteString(sectionAppendix)
	out.WriteString("\n\n")
	out.WriteString(appendixBody.String())
	return out.String()
}
