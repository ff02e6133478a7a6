package knowledge

import "strings"

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunk splits text into ordered, overlapping segments no longer than maxSize
// runes. Windows are cut back to the nearest sentence terminator or newline
// when one exists in the second half of the window, so chunks end on natural
// boundaries without stalling the cursor. Output is deterministic and never
// contains an empty chunk.
func Chunk(text string, maxSize int, overlap int) []string {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxSize {
		overlap = maxSize / 2
	}

	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}
	if total <= maxSize {
		return []string{text}
	}

	chunks := make([]string, 0, total/(maxSize-overlap)+1)
	start := 0
	for start < total {
		end := start + maxSize
		if end >= total {
			end = total
		} else if !isBoundary(runes[end-1]) {
			if cut := lastBoundary(runes, start+maxSize/2, end); cut > 0 {
				end = cut
			}
		}

		chunks = append(chunks, string(runes[start:end]))
		if end == total {
			break
		}

		length := end - start
		if length <= overlap {
			start += overlap
		} else {
			start += length - overlap
		}
	}
	return chunks
}

func isBoundary(r rune) bool {
	switch r {
	case '\n', '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// lastBoundary returns the index one past the nearest boundary rune in
// [min, max), or 0 when none exists.
func lastBoundary(runes []rune, min int, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	for i := max - 1; i >= min; i-- {
		if isBoundary(runes[i]) {
			return i + 1
		}
	}
	return 0
}

func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	estimate := len(words) + len([]rune(trimmed))/3
	if estimate < len(words) {
		estimate = len(words)
	}
	return estimate
}
