//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/splatworks/storagekit/cloudsave"
	"github.com/splatworks/storagekit/cloudsave/archive"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// requireEnv skips the test unless every key is set.
func requireEnv(t *testing.T, keys ...string) env.Repository {
	t.Helper()
	envRepo := env.NewRepository()
	for _, key := range keys {
		if envRepo.Get(key) == "" {
			t.Skipf("%s is not set", key)
		}
	}
	return envRepo
}

// sceneDir writes a scene with splats random .ply files of size bytes each.
func sceneDir(t *testing.T, splats int, size int) string {
	t.Helper()
	dir := t.TempDir()
	document := `{"camera":{"fov":60},"view":{},"poseSets":[],"timeline":{"frames":180},"splats":[]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, archive.DocumentEntry), []byte(document), 0o600))

	for i := 0; i < splats; i++ {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("splat-%d.ply", i)), data, 0o600))
	}
	return dir
}

// recordingBuilder keeps the bytes it built so the stored object can be compared to them.
type recordingBuilder struct {
	builder *archive.Builder
	data    []byte
}

func (b *recordingBuilder) BuildArchive(ctx context.Context) ([]byte, error) {
	data, err := b.builder.BuildArchive(ctx)
	b.data = data
	return data, err
}

func newRecordingBuilder(dir string) *recordingBuilder {
	builder := archive.NewBuilder(archive.NewDirectorySource(dir), logger)
	// Stored entries keep the random splats above the part size.
	builder.Method = zip.Store
	return &recordingBuilder{builder: builder}
}

type failOnErrorNotifier struct {
	cloudsave.LogNotifier
	t *testing.T
}

func (n failOnErrorNotifier) NotifyError(header, message string) {
	n.t.Errorf("%s: %s", header, message)
}
