package ingest

import (
	"strings"
	"testing"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{
			name: "empty text",
			text: "",
			size: 10,
			want: nil,
		},
		{
			name: "single chunk when shorter than size",
			text: "short",
			size: 10,
			want: []string{"short"},
		},
		{
			name:    "overlap carries tail into next chunk",
			text:    "abcdefghij",
			size:    6,
			overlap: 2,
			want:    []string{"abcdef", "efghij"},
		},
		{
			name:    "overlap >= size falls back to no overlap",
			text:    "abcdef",
			size:    3,
			overlap: 5,
			want:    []string{"abc", "def"},
		},
		{
			name: "zero size yields nothing",
			text: "abc",
			size: 0,
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := chunkText(tc.text, tc.size, tc.overlap)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d chunks %v, want %d", len(got), got, len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestChunkTextCoversAllInput(t *testing.T) {
	text := strings.Repeat("0123456789", 250)
	chunks := chunkText(text, 1000, 200)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	// Every window except the last must be full-size; the step is
	// size-overlap so consecutive windows share exactly the overlap.
	for i, chunk := range chunks[:len(chunks)-1] {
		if len(chunk) != 1000 {
			t.Fatalf("chunk %d has %d runes, want 1000", i, len(chunk))
		}
	}
	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])-200:]
		if !strings.HasPrefix(chunks[i], prevTail) {
			t.Fatalf("chunk %d does not start with the previous chunk's overlap", i)
		}
	}
}

func TestSplitSectionsInheritsMetadata(t *testing.T) {
	sections := []section{
		{Text: strings.Repeat("a", 15), Metadata: map[string]string{"page": "1"}},
		{Text: "short", Metadata: map[string]string{"page": "2"}},
	}
	payloads := splitSections(sections, 10, 0)
	if len(payloads) != 3 {
		t.Fatalf("got %d payloads, want 3", len(payloads))
	}
	if payloads[0].Metadata["page"] != "1" || payloads[0].Metadata["chunk"] != "0" {
		t.Fatalf("payload 0 metadata: %v", payloads[0].Metadata)
	}
	if payloads[1].Metadata["page"] != "1" || payloads[1].Metadata["chunk"] != "1" {
		t.Fatalf("payload 1 metadata: %v", payloads[1].Metadata)
	}
	if payloads[2].Metadata["page"] != "2" || payloads[2].Metadata["chunk"] != "0" {
		t.Fatalf("payload 2 metadata: %v", payloads[2].Metadata)
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  hello\x00world \n\t multiple   spaces  ")
	want := "hello world multiple spaces"
	if got != want {
		t.Fatalf("normalizeText = %q, want %q", got, want)
	}
	if normalizeText(" \n\t ") != "" {
		t.Fatal("whitespace-only input should normalize to empty")
	}
}
