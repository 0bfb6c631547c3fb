package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	return path
}

func TestParseCSVOneSectionPerRow(t *testing.T) {
	path := writeTemp(t, "data.csv", "name,city\nalice,berlin\nbob,tokyo\n")
	sections, err := parseFile("data.csv", path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if len(sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(sections))
	}
	if sections[0].Text != "name city" {
		t.Fatalf("header section = %q", sections[0].Text)
	}
	if sections[1].Metadata["row"] != "2" {
		t.Fatalf("row metadata = %v", sections[1].Metadata)
	}
	for i, sec := range sections {
		if sec.Metadata["source"] != "csv" {
			t.Fatalf("section %d metadata = %v, missing csv source tag", i, sec.Metadata)
		}
	}
	if sections[2].Text != "bob tokyo" {
		t.Fatalf("row 3 text = %q", sections[2].Text)
	}
}

func TestParseCSVVariableFieldCounts(t *testing.T) {
	path := writeTemp(t, "ragged.csv", "a,b,c\nd\ne,f\n")
	sections, err := parseFile("ragged.csv", path)
	if err != nil {
		t.Fatalf("ragged csv should parse: %v", err)
	}
	if len(sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(sections))
	}
}

func TestParsePlainText(t *testing.T) {
	path := writeTemp(t, "notes.md", "# Title\n\nSome  content\nhere.")
	sections, err := parseFile("notes.md", path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	if sections[0].Text != "# Title Some content here." {
		t.Fatalf("text = %q", sections[0].Text)
	}
	if sections[0].Metadata["source"] != "text" {
		t.Fatalf("metadata = %v, missing text source tag", sections[0].Metadata)
	}
}

func TestParsePlainTextEmptyFile(t *testing.T) {
	path := writeTemp(t, "empty.txt", "   \n\t ")
	sections, err := parseFile("empty.txt", path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if len(sections) != 0 {
		t.Fatalf("got %d sections for whitespace-only file", len(sections))
	}
}
