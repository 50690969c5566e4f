// Package archive packs a scene into the zip document format uploaded by cloud save:
// a document.json description followed by one splat_<i>.ply entry per splat.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zip"
)

// DocumentEntry is the name of the scene description inside the archive.
const DocumentEntry = "document.json"

// DocumentVersion is written into every document.json.
const DocumentVersion = 0

// ErrNoSource is returned by BuildArchive when the Builder has nothing to read the scene from.
var ErrNoSource = errors.New("no scene source")

// Splat is one splat of a scene.
type Splat interface {
	// Describe returns the splat's entry of the document's splats list.
	Describe() (json.RawMessage, error)
	// WritePLY streams the splat's point data in PLY format.
	WritePLY(w io.Writer) error
}

// Scene is everything an archive is built from. The raw members are copied into
// document.json as they are; nil ones are written as null.
type Scene struct {
	Camera   json.RawMessage
	View     json.RawMessage
	PoseSets json.RawMessage
	Timeline json.RawMessage
	Splats   []Splat
}

// SceneSource supplies the current scene.
type SceneSource interface {
	Scene(ctx context.Context) (*Scene, error)
}

// Document is the content of document.json.
type Document struct {
	Version  int               `json:"version"`
	Camera   json.RawMessage   `json:"camera"`
	View     json.RawMessage   `json:"view"`
	PoseSets json.RawMessage   `json:"poseSets"`
	Timeline json.RawMessage   `json:"timeline"`
	Splats   []json.RawMessage `json:"splats"`
}

// Builder produces archive bytes from a SceneSource.
type Builder struct {
	source SceneSource
	logger log.Logger
	// Method used for the PLY entries. Default: zip.Deflate
	Method uint16
	now    func() time.Time
}

// NewBuilder ...
func NewBuilder(source SceneSource, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Builder{
		source: source,
		logger: logger,
		Method: zip.Deflate,
		now:    time.Now,
	}
}

// BuildArchive writes the scene into an in-memory zip and returns its bytes.
func (b *Builder) BuildArchive(ctx context.Context) ([]byte, error) {
	if b.source == nil {
		return nil, ErrNoSource
	}

	scene, err := b.source.Scene(ctx)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	if scene == nil {
		return nil, fmt.Errorf("read scene: scene is nil")
	}

	doc, err := newDocument(scene)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := b.now()

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", DocumentEntry, err)
	}
	if err := writeEntry(zw, DocumentEntry, zip.Deflate, modified, func(w io.Writer) error {
		_, err := w.Write(docJSON)
		return err
	}); err != nil {
		return nil, err
	}
	b.logger.Debugf("Document created with %d splats", len(doc.Splats))

	for i, splat := range scene.Splats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := SplatEntry(i)
		if err := writeEntry(zw, name, b.Method, modified, splat.WritePLY); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	b.logger.Debugf("Archive created with size: %s", units.HumanSizeWithPrecision(float64(buf.Len()), 3))
	return buf.Bytes(), nil
}

// SplatEntry returns the archive entry name of the i-th splat.
func SplatEntry(i int) string {
	return fmt.Sprintf("splat_%d.ply", i)
}

func newDocument(scene *Scene) (Document, error) {
	doc := Document{
		Version:  DocumentVersion,
		Camera:   orNull(scene.Camera),
		View:     orNull(scene.View),
		PoseSets: orNull(scene.PoseSets),
		Timeline: orNull(scene.Timeline),
		Splats:   make([]json.RawMessage, 0, len(scene.Splats)),
	}
	for i, splat := range scene.Splats {
		desc, err := splat.Describe()
		if err != nil {
			return Document{}, fmt.Errorf("describe splat %d: %w", i, err)
		}
		doc.Splats = append(doc.Splats, orNull(desc))
	}
	return doc, nil
}

func writeEntry(zw *zip.Writer, name string, method uint16, modified time.Time, write func(io.Writer) error) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := write(w); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
