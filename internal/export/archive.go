package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v6"

	"github.com/lewtec/dentamark/internal/domain"
)

// Bundle is everything that goes into a download archive.
type Bundle struct {
	// Filename is the original upload name; entries are named after it.
	Filename    string
	MaskPNG     []byte
	OverlayPNG  []byte
	Annotations domain.AnnotationSet
}

func (b Bundle) MaskEntry() string { return BaseFilename(b.Filename) + "_mask.png" }

func (b Bundle) JSONEntry() string { return BaseFilename(b.Filename) + ".json" }

func (b Bundle) ArchiveName() string { return BaseFilename(b.Filename) + ".zip" }

// WriteArchive writes a ZIP with the (optionally composited) mask and the
// annotation set in its raw, unflattened shape.
func WriteArchive(w io.Writer, b Bundle) error {
	mask, err := MergeMaskPNG(b.MaskPNG, b.OverlayPNG)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(b.Annotations, "", "  ")
	if err != nil {
		return fmt.Errorf("while encoding annotations: %w", err)
	}

	zw := zip.NewWriter(w)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{b.MaskEntry(), mask},
		{b.JSONEntry(), data},
	} {
		f, err := zw.Create(entry.name)
		if err != nil {
			return fmt.Errorf("while adding %s to archive: %w", entry.name, err)
		}
		if _, err := f.Write(entry.data); err != nil {
			return fmt.Errorf("while writing %s to archive: %w", entry.name, err)
		}
	}
	return zw.Close()
}

// SaveArchive writes the bundle archive into fs and returns its name.
func SaveArchive(fs billy.Filesystem, b Bundle) (string, error) {
	name := b.ArchiveName()
	return name, writeFile(fs, name, func(w io.Writer) error { return WriteArchive(w, b) })
}

// SaveJSON writes the flattened document into fs and returns its name.
func SaveJSON(fs billy.Filesystem, filename string, set domain.AnnotationSet) (string, error) {
	name := JSONFilename(filename)
	return name, writeFile(fs, name, func(w io.Writer) error { return WriteJSON(w, set) })
}

func writeFile(fs billy.Filesystem, name string, write func(io.Writer) error) error {
	f, err := fs.Create(name)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", name, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("while writing %s: %w", name, err)
	}
	return f.Close()
}
