package knowledge

import (
	"reflect"
	"strings"
	"testing"
)

func TestChunkShortInputReturnsSingleChunk(t *testing.T) {
	text := "A short note that fits in one chunk."
	chunks := Chunk(text, 1000, 200)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != text {
		t.Fatalf("expected chunk to equal input, got %q", chunks[0])
	}
}

func TestChunkEmptyInput(t *testing.T) {
	if chunks := Chunk("", 1000, 200); chunks != nil {
		t.Fatalf("expected nil for empty input, got %v", chunks)
	}
}

func TestChunkRespectsMaxSize(t *testing.T) {
	text := strings.Repeat("word and more text. ", 500)
	chunks := Chunk(text, 1000, 200)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		if n := len([]rune(chunk)); n > 1000 {
			t.Fatalf("chunk %d has %d runes, exceeds max 1000", i, n)
		}
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	text := strings.Repeat("Sentences end here. Some are longer than others! Right?\n", 100)
	first := Chunk(text, 800, 150)
	second := Chunk(text, 800, 150)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("chunking the same input twice produced different output")
	}
}

func TestChunkOverlapReconstruction(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	overlap := 200
	chunks := Chunk(text, 1000, overlap)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Every chunk after the first repeats the previous chunk's tail; dropping
	// that repeated prefix must reconstruct the original text exactly.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0])
	for i := 1; i < len(chunks); i++ {
		runes := []rune(chunks[i])
		if len(runes) <= overlap {
			t.Fatalf("chunk %d shorter than overlap, cannot verify reconstruction", i)
		}
		prev := []rune(chunks[i-1])
		if string(prev[len(prev)-overlap:]) != string(runes[:overlap]) {
			t.Fatalf("chunk %d does not begin with the previous chunk's overlap", i)
		}
		rebuilt.WriteString(string(runes[overlap:]))
	}
	if rebuilt.String() != text {
		t.Fatal("deduplicated chunks do not reconstruct the original text")
	}
}

func TestChunkUnbrokenTextProducesFiveChunks(t *testing.T) {
	text := strings.Repeat("a", 3500)
	chunks := Chunk(text, 1000, 200)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks for 3500 chars at max 1000 overlap 200, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if n := len([]rune(chunk)); n > 1000 {
			t.Fatalf("chunk %d has %d runes, exceeds max", i, n)
		}
	}
}

func TestChunkTerminatesOnPathologicalOverlap(t *testing.T) {
	// Boundary cuts can produce chunks no longer than the overlap; the
	// cursor must still advance.
	text := strings.Repeat("abcd. ", 100)
	chunks := Chunk(text, 10, 8)
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for i, chunk := range chunks {
		if chunk == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		if n := len([]rune(chunk)); n > 10 {
			t.Fatalf("chunk %d has %d runes, exceeds max", i, n)
		}
	}
}

func TestChunkPrefersSentenceBoundaries(t *testing.T) {
	text := strings.Repeat("This sentence is a fairly normal length and ends cleanly. ", 60)
	chunks := Chunk(text, 1000, 100)
	for i, chunk := range chunks[:len(chunks)-1] {
		trimmed := strings.TrimRight(chunk, " ")
		last := []rune(trimmed)[len([]rune(trimmed))-1]
		if !isBoundary(last) {
			t.Fatalf("chunk %d does not end at a sentence boundary: %q", i, chunk[len(chunk)-20:])
		}
	}
}
