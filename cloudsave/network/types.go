package network

import "fmt"

// Session identifies one backend multipart upload. It is immutable once received and
// lives for exactly one save operation.
type Session struct {
	AssetID   string
	ObjectKey string
	UploadID  string
	// TargetAddresses holds one presigned PUT URL per chunk, in chunk order.
	TargetAddresses []string
}

// Validate checks the session against the number of chunks it was negotiated for.
func (s Session) Validate(numberOfParts int) error {
	if s.UploadID == "" {
		return fmt.Errorf("upload id is empty")
	}
	if s.ObjectKey == "" {
		return fmt.Errorf("object key is empty")
	}
	if len(s.TargetAddresses) != numberOfParts {
		return fmt.Errorf("target address count mismatch: expected %d, got %d", numberOfParts, len(s.TargetAddresses))
	}
	for i, addr := range s.TargetAddresses {
		if addr == "" {
			return fmt.Errorf("target address for part %d is empty", i+1)
		}
	}
	return nil
}

// PartResult is the acknowledgement of one stored part. The JSON field names follow the
// S3 CompletedPart shape that the backend and the host expect.
type PartResult struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// ValidateParts checks that parts are numbered 1..n without gaps, in ascending order.
func ValidateParts(parts []PartResult, n int) error {
	if len(parts) != n {
		return fmt.Errorf("part count mismatch: expected %d, got %d", n, len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("part %d has part number %d", i+1, p.PartNumber)
		}
		if p.ETag == "" {
			return fmt.Errorf("part %d has no ETag", p.PartNumber)
		}
	}
	return nil
}
