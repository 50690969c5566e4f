// Package chunkuploader splits an in-memory archive into parts and uploads them in
// parallel to presigned URLs, collecting the ETag of every stored part.
package chunkuploader

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBuffer is returned when asked to split zero bytes. An empty archive is a
	// caller error and is never uploaded as zero parts.
	ErrEmptyBuffer = errors.New("cannot split an empty buffer")
	// ErrPartUploadFailed classifies every *PartError.
	ErrPartUploadFailed = errors.New("part upload failed")
	// ErrMissingETag is returned for a successful response that carries no ETag.
	ErrMissingETag = errors.New("no ETag in response")
)

// Chunk is one contiguous byte range of the archive. Chunks are read-only.
type Chunk struct {
	// Index is zero based; the part number of a chunk is Index+1.
	Index int
	Data  []byte
}

// PartNumber returns the 1-based multipart part number of the chunk.
func (c Chunk) PartNumber() int {
	return c.Index + 1
}

// UploadURL represents a signed URL for uploading a single chunk.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// PartError reports the failure of a single part. One failing part fails the whole upload.
type PartError struct {
	PartNumber int
	StatusCode int
	Err        error
}

func (e *PartError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload part %d: status %d: %v", e.PartNumber, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload part %d: %v", e.PartNumber, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

// Is ...
func (e *PartError) Is(target error) bool {
	return target == ErrPartUploadFailed
}
