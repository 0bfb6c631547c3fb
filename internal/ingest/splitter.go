package ingest

import (
	"strconv"
	"strings"
)

type chunkPayload struct {
	Content  string
	Metadata map[string]string
}

// chunkText cuts text into rune windows of size with the given overlap.
// Whitespace-only windows are dropped.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			chunks = append(chunks, part)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// splitSections chunks every section and flattens the result. Each chunk
// inherits its section's metadata plus its own per-section chunk index.
func splitSections(sections []section, size, overlap int) []chunkPayload {
	var payloads []chunkPayload
	for _, sec := range sections {
		for idx, part := range chunkText(sec.Text, size, overlap) {
			meta := make(map[string]string, len(sec.Metadata)+1)
			for k, v := range sec.Metadata {
				meta[k] = v
			}
			meta["chunk"] = strconv.Itoa(idx)
			payloads = append(payloads, chunkPayload{Content: part, Metadata: meta})
		}
	}
	return payloads
}
