package chunking

import (
	"fmt"
	"strings"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

const (
	DefaultChunkSize = 900
	DefaultOverlap   = 150
)

// Splitter cuts whitespace-normalized text into windows of ChunkSize runes,
// each window starting ChunkSize-Overlap runes after the previous one.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, domain.WrapError(domain.ErrConfiguration, "new splitter", fmt.Errorf("chunk size must be positive, got %d", chunkSize))
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, domain.WrapError(domain.ErrConfiguration, "new splitter", fmt.Errorf("overlap %d must be in [0, %d)", overlap, chunkSize))
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}, nil
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(NormalizeWhitespace(text))
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, len(runes)/(s.ChunkSize-s.Overlap)+1)
	for start := 0; ; {
		end := min(start+s.ChunkSize, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - s.Overlap
	}
	return out
}

// NormalizeWhitespace collapses every whitespace run to a single space and trims the ends.
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
