package ingest

import (
	"strings"
	"testing"
)

func TestSplitChunksShortText(t *testing.T) {
	chunks := SplitChunks("Short note.", DefaultChunkSize, DefaultChunkOverlap)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0] != "Short note." {
		t.Errorf("chunk = %q, want %q", chunks[0], "Short note.")
	}
}

func TestSplitChunksEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t  \n"} {
		if chunks := SplitChunks(text, DefaultChunkSize, DefaultChunkOverlap); chunks != nil {
			t.Errorf("SplitChunks(%q) = %v, want nil", text, chunks)
		}
	}
}

func TestSplitChunksPrefersSentenceBoundaries(t *testing.T) {
	sentence := "This sentence talks about resetting account passwords for locked users."
	text := strings.Repeat(sentence+" ", 10)

	chunks := SplitChunks(text, 200, 40)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 200 {
			t.Errorf("chunk %d has %d bytes, want <= 200", i, len(c))
		}
		if !strings.HasSuffix(c, "users.") {
			t.Errorf("chunk %d = %q, want sentence-aligned ending", i, c)
		}
	}
	// Overlap carries each chunk's tail into the next chunk's head.
	for i := 0; i < len(chunks)-1; i++ {
		head := chunks[i+1][:20]
		if !strings.Contains(chunks[i], head) {
			t.Errorf("chunk %d does not overlap chunk %d: %q not in %q", i, i+1, head, chunks[i])
		}
	}
}

func TestSplitChunksHardCutWithoutBoundary(t *testing.T) {
	text := strings.Repeat("a", 250)
	chunks := SplitChunks(text, 100, 20)

	wantLens := []int{100, 100, 90}
	if len(chunks) != len(wantLens) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(wantLens))
	}
	for i, want := range wantLens {
		if len(chunks[i]) != want {
			t.Errorf("chunk %d has %d bytes, want %d", i, len(chunks[i]), want)
		}
	}
}

func TestSplitChunksProgressesWhenCutPrecedesOverlap(t *testing.T) {
	// Boundary cuts land inside the overlap window; the splitter must
	// still move forward instead of looping.
	text := strings.Repeat("ab. ", 100)
	chunks := SplitChunks(text, 10, 8)

	if len(chunks) != 50 {
		t.Fatalf("got %d chunks, want 50", len(chunks))
	}
	for i, c := range chunks {
		if c != "ab. ab." {
			t.Fatalf("chunk %d = %q, want %q", i, c, "ab. ab.")
		}
	}
}

func TestSplitChunksDefaults(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks := SplitChunks(text, 0, -1)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > DefaultChunkSize {
			t.Errorf("chunk %d has %d bytes, want <= %d", i, len(c), DefaultChunkSize)
		}
	}
}

func TestLastBoundary(t *testing.T) {
	tests := []struct {
		window string
		want   int
	}{
		{"", -1},
		{"no boundary here", -1},
		{"Hi. There", 4},
		{"line\nnext", 5},
		{"A? B! C. D", 9},
	}
	for _, tt := range tests {
		if got := lastBoundary(tt.window); got != tt.want {
			t.Errorf("lastBoundary(%q) = %d, want %d", tt.window, got, tt.want)
		}
	}
}
