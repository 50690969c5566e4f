package chunkuploader

import (
	"fmt"

	"github.com/docker/go-units"
)

// DefaultMinChunkSize is the smallest part S3-compatible storage accepts for every part
// but the last one.
const DefaultMinChunkSize int64 = 5 * units.MiB

// ChunkSizeBytes calculates the chunk size for totalSize bytes.
//
// The part count is the smallest one the minimum chunk size allows, lowered to
// suggestedParts when a suggestion (> 0) is smaller. The chunk size never drops
// below minChunkSize, so the resulting chunk count may end up lower than the suggestion.
func ChunkSizeBytes(totalSize, minChunkSize int64, suggestedParts int) int64 {
	return chunkSizeBytes(totalSize, minChunkSize, int64(suggestedParts))
}

func chunkSizeBytes(totalSize, min, suggested int64) int64 {
	parts := ceilDiv(totalSize, min)
	if suggested > 0 && suggested < parts {
		parts = suggested
	}
	if parts < 1 {
		parts = 1
	}

	cs := ceilDiv(totalSize, parts)
	if cs < min {
		cs = min
	}

	return cs
}

// Split cuts data into ordered, contiguous, non-overlapping chunks that cover it exactly.
// Every chunk but the last is chunkSize long; the last one may be shorter, including
// shorter than minChunkSize when it is the remainder.
func Split(data []byte, minChunkSize int64, suggestedParts int) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBuffer
	}
	if minChunkSize < 1 {
		return nil, fmt.Errorf("minimum chunk size must be positive, got %d", minChunkSize)
	}
	if suggestedParts < 0 {
		return nil, fmt.Errorf("suggested part count must not be negative, got %d", suggestedParts)
	}

	total := int64(len(data))
	chunkSize := ChunkSizeBytes(total, minChunkSize, suggestedParts)

	chunks := make([]Chunk, 0, ceilDiv(total, chunkSize))
	for offset := int64(0); offset < total; offset += chunkSize {
		end := offset + chunkSize
		if end > total {
			end = total
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Data:  data[offset:end:end],
		})
	}

	return chunks, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
