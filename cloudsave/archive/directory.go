package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultSplatPattern matches every PLY file below the scene directory.
const DefaultSplatPattern = "**/*.ply"

// DirectorySource reads a scene laid out on disk: an optional document.json holding
// camera, view, poseSets, timeline and splat descriptions, and PLY files matched by Pattern.
type DirectorySource struct {
	Dir string
	// Pattern is a doublestar pattern relative to Dir. Default: DefaultSplatPattern
	Pattern string
}

// NewDirectorySource ...
func NewDirectorySource(dir string) *DirectorySource {
	return &DirectorySource{Dir: dir, Pattern: DefaultSplatPattern}
}

// Scene implements SceneSource. PLY files are ordered by path.
func (s *DirectorySource) Scene(ctx context.Context) (*Scene, error) {
	info, err := os.Stat(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("stat scene dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", s.Dir)
	}

	fsys := os.DirFS(s.Dir)

	var doc Document
	raw, err := fs.ReadFile(fsys, DocumentEntry)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", DocumentEntry, err)
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", DocumentEntry, err)
		}
	}

	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultSplatPattern
	}
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", pattern, err)
	}
	sort.Strings(matches)

	scene := &Scene{
		Camera:   doc.Camera,
		View:     doc.View,
		PoseSets: doc.PoseSets,
		Timeline: doc.Timeline,
	}
	for i, match := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		splat := fileSplat{path: filepath.Join(s.Dir, filepath.FromSlash(match)), name: path.Base(match)}
		if i < len(doc.Splats) {
			splat.description = doc.Splats[i]
		}
		scene.Splats = append(scene.Splats, splat)
	}

	return scene, nil
}

type fileSplat struct {
	path        string
	name        string
	description json.RawMessage
}

func (s fileSplat) Describe() (json.RawMessage, error) {
	if len(s.description) > 0 {
		return s.description, nil
	}
	return json.Marshal(map[string]string{"name": s.name})
}

func (s fileSplat) WritePLY(w io.Writer) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	_, err = io.Copy(w, f)
	return err
}
