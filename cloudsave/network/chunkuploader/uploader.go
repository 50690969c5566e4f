package chunkuploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/splatworks/storagekit/cloudsave/network"
)

// UploadResult represents the result of uploading all chunks.
type UploadResult struct {
	// Parts are ordered by part number, 1..N.
	Parts []network.PartResult
	Bytes int64
	Took  time.Duration
	// Stats holds the timing of this upload's parts.
	Stats *Stats
}

// Uploader issues one PUT per chunk in parallel. There are no per-part retries: a single
// failing part fails the whole upload and the caller starts over from chunking.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// PresignedPUT wraps presigned URLs into PUT UploadURLs carrying binary content.
func PresignedPUT(addresses []string) []UploadURL {
	urls := make([]UploadURL, len(addresses))
	for i, addr := range addresses {
		urls[i] = UploadURL{
			Method:  http.MethodPut,
			URL:     addr,
			Headers: map[string]string{"Content-Type": "application/octet-stream"},
		}
	}
	return urls
}

// Upload uploads every chunk to the URL with the same index. All uploads are started
// without waiting for the previous ones (up to Config.Concurrency when set), and every
// started upload runs to completion even if a sibling already failed.
// The returned parts are in chunk order regardless of completion order.
func (u *Uploader) Upload(ctx context.Context, chunks []Chunk, urls []UploadURL) (*UploadResult, error) {
	numChunks := len(chunks)
	if numChunks != len(urls) {
		return nil, fmt.Errorf("chunk count mismatch: %d chunks, but %d URLs provided", numChunks, len(urls))
	}
	if numChunks == 0 {
		return nil, fmt.Errorf("no chunks to upload")
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			return nil, fmt.Errorf("chunk at position %d has index %d", i, chunk.Index)
		}
	}

	start := time.Now()
	stats := NewStats()
	parts := make([]network.PartResult, numChunks)

	var g errgroup.Group
	if u.config.Concurrency > 0 {
		g.SetLimit(u.config.Concurrency)
	}

	for i := range chunks {
		chunk, url := chunks[i], urls[i]
		g.Go(func() error {
			etag, err := u.uploadChunk(ctx, stats, chunk, url, numChunks)
			if err != nil {
				u.logger.Warnf("Part %d/%d failed: %s", chunk.PartNumber(), numChunks, err)
				return err
			}
			parts[chunk.Index] = network.PartResult{
				PartNumber: chunk.PartNumber(),
				ETag:       etag,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var size int64
	for _, chunk := range chunks {
		size += int64(len(chunk.Data))
	}
	took := time.Since(start)
	if slowest, ok := stats.Slowest(); ok {
		u.logger.Debugf("Uploaded %d parts at %s/s, slowest part %d took %v", numChunks,
			units.HumanSize(stats.BytesPerSecond(took)), slowest.PartNumber, slowest.Took.Round(time.Millisecond))
	}

	return &UploadResult{
		Parts: parts,
		Bytes: size,
		Took:  took,
		Stats: stats,
	}, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	if transport, ok := u.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func (u *Uploader) uploadChunk(ctx context.Context, stats *Stats, chunk Chunk, url UploadURL, totalChunks int) (string, error) {
	partNumber := chunk.PartNumber()
	u.logger.Debugf("Uploading part %d/%d (%s) [finished=%d] [avg=%v]",
		partNumber, totalChunks, units.BytesSize(float64(len(chunk.Data))),
		stats.FinishedCount(), stats.Average().Round(time.Millisecond))

	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, url.URL, bytes.NewReader(chunk.Data))
	if err != nil {
		return "", &PartError{PartNumber: partNumber, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	req.ContentLength = int64(len(chunk.Data))

	start := time.Now()
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &PartError{PartNumber: partNumber, Err: fmt.Errorf("do request: %w", err)}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body of part %d: %s", partNumber, err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", &PartError{
			PartNumber: partNumber,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upload failed: %s", strings.TrimSpace(string(errorBody[:n]))),
		}
	}

	etag := NormalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", &PartError{PartNumber: partNumber, StatusCode: resp.StatusCode, Err: ErrMissingETag}
	}

	took := time.Since(start)
	stats.record(PartTiming{PartNumber: partNumber, Bytes: len(chunk.Data), Took: took})
	u.logger.Debugf("Part %d/%d uploaded in %v, ETag: %s", partNumber, totalChunks, took.Round(time.Millisecond), etag)

	return etag, nil
}

// NormalizeETag strips the quotes storage endpoints wrap ETags in.
func NormalizeETag(etag string) string {
	return strings.TrimSpace(strings.ReplaceAll(etag, `"`, ""))
}
