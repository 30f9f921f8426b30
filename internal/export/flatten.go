// Package export produces the files a clinician downloads: the flattened
// JSON document, the composited mask and the ZIP bundle holding both.
package export

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/geometry"
)

// Tooth is a tooth with its landmarks inlined.
type Tooth struct {
	domain.Tooth
	Apex *geometry.Point `json:"apex,omitempty"`
	Base *geometry.Point `json:"base,omitempty"`
}

// Document is the flattened, one-way export shape: landmark arrays are
// folded into the teeth and dropped.
type Document struct {
	ImageSize domain.ImageSize `json:"image_size"`
	View      string           `json:"view"`
	Teeth     []Tooth          `json:"teeth"`
	Message   string           `json:"message,omitempty"`
}

// Flatten inlines apex and base positions into their teeth by tooth number.
func Flatten(set domain.AnnotationSet) Document {
	doc := Document{
		ImageSize: set.ImageSize,
		View:      set.View,
		Teeth:     make([]Tooth, len(set.Teeth)),
		Message:   set.Message,
	}
	for i, t := range set.Teeth {
		doc.Teeth[i] = Tooth{Tooth: t}
		if p, ok := set.PointForTooth(domain.PointApex, t.ToothNumber); ok {
			pos := p.Position
			doc.Teeth[i].Apex = &pos
		}
		if p, ok := set.PointForTooth(domain.PointBase, t.ToothNumber); ok {
			pos := p.Position
			doc.Teeth[i].Base = &pos
		}
	}
	return doc
}

// WriteJSON writes the flattened document.
func WriteJSON(w io.Writer, set domain.AnnotationSet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Flatten(set))
}

// BaseFilename strips the directory and extension from an uploaded file
// name. An empty name gives "mask".
func BaseFilename(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "mask"
	}
	return base
}

// JSONFilename is the download name of the flattened document.
func JSONFilename(original string) string {
	if original == "" {
		return "updated_teeth.json"
	}
	return BaseFilename(original) + "_teeth.json"
}
