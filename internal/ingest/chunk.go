package ingest

import "strings"

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// chunkBoundaries mark preferred split points, ordered by preference.
var chunkBoundaries = []string{". ", "! ", "? ", "\n"}

// SplitChunks cuts text into overlapping chunks of roughly size bytes,
// preferring sentence boundaries in the back half of each window so a
// chunk rarely ends mid-sentence. Overlap carries trailing context into
// the next chunk.
func SplitChunks(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			if chunk := strings.TrimSpace(text[start:]); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := end
		if b := lastBoundary(text[start:end]); b > size/2 {
			cut = start + b
		}
		if chunk := strings.TrimSpace(text[start:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// lastBoundary returns the end offset of the last sentence boundary in
// window, or -1 when none occurs.
func lastBoundary(window string) int {
	best := -1
	for _, sep := range chunkBoundaries {
		if idx := strings.LastIndex(window, sep); idx >= 0 && idx+len(sep) > best {
			best = idx + len(sep)
		}
	}
	return best
}
