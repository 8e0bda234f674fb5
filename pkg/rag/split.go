package rag

import (
	"fmt"
	"strings"
	"unicode"
)

// Split cuts text into chunks of at most size runes, overlapping by
// up to overlap runes. Cuts and overlaps fall on whitespace where the
// window has any, so words stay whole. Chunk IDs are "<source>#<n>".
func Split(source, text string, size, overlap int) []Document {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(strings.TrimSpace(text))
	var docs []Document
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			docs = append(docs, Document{
				ID:      fmt.Sprintf("%s#%d", source, len(docs)),
				Source:  source,
				Content: chunk,
			})
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		for next < end && next > 0 && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = max(next, start+1)
	}
	return docs
}
