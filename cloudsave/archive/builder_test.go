package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySplat struct {
	desc string
	ply  []byte
	err  error
}

func (s memorySplat) Describe() (json.RawMessage, error) {
	return json.RawMessage(s.desc), nil
}

func (s memorySplat) WritePLY(w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := w.Write(s.ply)
	return err
}

type staticSource struct {
	scene *Scene
	err   error
}

func (s staticSource) Scene(context.Context) (*Scene, error) {
	return s.scene, s.err
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := map[string][]byte{}
	var order []string
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		entries[f.Name] = content
		order = append(order, f.Name)
	}
	require.NotEmpty(t, order)
	assert.Equal(t, DocumentEntry, order[0])
	return entries
}

func TestBuildArchive(t *testing.T) {
	scene := &Scene{
		Camera:   json.RawMessage(`{"fov":60}`),
		Timeline: json.RawMessage(`{"frames":180}`),
		Splats: []Splat{
			memorySplat{desc: `{"name":"bike"}`, ply: []byte("ply\nformat binary_little_endian 1.0\nend_header\n\x00\x01")},
			memorySplat{desc: `{"name":"garden"}`, ply: bytes.Repeat([]byte{7}, 4096)},
		},
	}
	builder := NewBuilder(staticSource{scene: scene}, log.NewLogger())
	builder.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	data, err := builder.BuildArchive(context.Background())
	require.NoError(t, err)

	entries := readArchive(t, data)
	require.Len(t, entries, 3)
	assert.JSONEq(t, `{
		"version": 0,
		"camera": {"fov":60},
		"view": null,
		"poseSets": null,
		"timeline": {"frames":180},
		"splats": [{"name":"bike"},{"name":"garden"}]
	}`, string(entries[DocumentEntry]))
	assert.Equal(t, []byte("ply\nformat binary_little_endian 1.0\nend_header\n\x00\x01"), entries["splat_0.ply"])
	assert.Equal(t, bytes.Repeat([]byte{7}, 4096), entries["splat_1.ply"])
}

func TestBuildArchiveEmptyScene(t *testing.T) {
	data, err := NewBuilder(staticSource{scene: &Scene{}}, nil).BuildArchive(context.Background())
	require.NoError(t, err)

	entries := readArchive(t, data)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"version":0,"camera":null,"view":null,"poseSets":null,"timeline":null,"splats":[]}`, string(entries[DocumentEntry]))
}

func TestBuildArchiveErrors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewBuilder(nil, nil).BuildArchive(context.Background())
	assert.True(t, errors.Is(err, ErrNoSource))

	_, err = NewBuilder(staticSource{err: boom}, nil).BuildArchive(context.Background())
	assert.True(t, errors.Is(err, boom))

	_, err = NewBuilder(staticSource{}, nil).BuildArchive(context.Background())
	assert.Error(t, err)

	scene := &Scene{Splats: []Splat{memorySplat{desc: `{}`, err: boom}}}
	_, err = NewBuilder(staticSource{scene: scene}, nil).BuildArchive(context.Background())
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "splat_0.ply")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scene = &Scene{Splats: []Splat{memorySplat{desc: `{}`}}}
	_, err = NewBuilder(staticSource{scene: scene}, nil).BuildArchive(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DocumentEntry), []byte(`{"version":0,"camera":{"fov":45},"splats":[{"name":"first"}]}`), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ply"), []byte("A"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.ply"), []byte("B"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	data, err := NewBuilder(NewDirectorySource(dir), nil).BuildArchive(context.Background())
	require.NoError(t, err)

	entries := readArchive(t, data)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("A"), entries["splat_0.ply"])
	assert.Equal(t, []byte("B"), entries["splat_1.ply"])

	var doc Document
	require.NoError(t, json.Unmarshal(entries[DocumentEntry], &doc))
	assert.JSONEq(t, `{"fov":45}`, string(doc.Camera))
	require.Len(t, doc.Splats, 2)
	assert.JSONEq(t, `{"name":"first"}`, string(doc.Splats[0]))
	assert.JSONEq(t, `{"name":"b.ply"}`, string(doc.Splats[1]))
}

func TestDirectorySourceErrors(t *testing.T) {
	_, err := NewDirectorySource(filepath.Join(t.TempDir(), "missing")).Scene(context.Background())
	assert.Error(t, err)

	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewDirectorySource(file).Scene(context.Background())
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, DocumentEntry), []byte("{"), 0o600))
	_, err = NewDirectorySource(dir).Scene(context.Background())
	assert.Error(t, err)
}
