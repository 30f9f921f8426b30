package domain

import (
	"fmt"

	"github.com/lewtec/dentamark/internal/geometry"
)

// ImageSize is the [height, width] pair, in pixels, that frames every
// coordinate of an AnnotationSet.
type ImageSize [2]float64

func (s ImageSize) Height() float64 { return s[0] }

func (s ImageSize) Width() float64 { return s[1] }

// Valid reports whether both dimensions are positive.
func (s ImageSize) Valid() bool { return s[0] > 0 && s[1] > 0 }

// PointType selects one of the landmark arrays of an AnnotationSet
type PointType string

const (
	PointApex PointType = "apex"
	PointBase PointType = "base"
)

func (t PointType) Valid() bool {
	return t == PointApex || t == PointBase
}

// ParsePointType converts a user supplied tag into a PointType
func ParsePointType(s string) (PointType, error) {
	t := PointType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown point type %q (expected apex or base)", s)
	}
	return t, nil
}

// Tooth is one detected or manually added tooth
type Tooth struct {
	ToothID     int            `json:"tooth_id"`
	ToothNumber int            `json:"tooth_number"`
	Centroid    geometry.Point `json:"centroid"`
	Area        float64        `json:"area"`
	Width       float64        `json:"width"`
	Height      float64        `json:"height"`
	BBox        [4]float64     `json:"bbox"`
	Confidence  float64        `json:"confidence"`

	// Derived from Centroid and the image size
	RelativePosition geometry.Offset `json:"relative_position"`
	Quadrant         int             `json:"quadrant"`
}

func (t *Tooth) Location() (geometry.Point, bool) {
	if t == nil {
		return geometry.Point{}, false
	}
	return t.Centroid, true
}

// LandmarkPoint is an apex or base point attached to a tooth by its
// clinical number
type LandmarkPoint struct {
	PointID     int            `json:"point_id"`
	ToothNumber int            `json:"tooth_number"`
	Position    geometry.Point `json:"position"`
	Type        PointType      `json:"type"`
}

func (p *LandmarkPoint) Location() (geometry.Point, bool) {
	if p == nil {
		return geometry.Point{}, false
	}
	return p.Position, true
}

// AnnotationSet is the full correction state of one image. It is the unit
// stored in the undo history and persisted per session.
type AnnotationSet struct {
	ImageSize  ImageSize       `json:"image_size"`
	View       string          `json:"view"`
	Teeth      []Tooth         `json:"teeth"`
	ApexPoints []LandmarkPoint `json:"apex_points,omitempty"`
	BasePoints []LandmarkPoint `json:"base_points,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Clone returns a deep copy of s. Nil slices stay nil.
func (s AnnotationSet) Clone() AnnotationSet {
	ret := s
	ret.Teeth = cloneSlice(s.Teeth)
	ret.ApexPoints = cloneSlice(s.ApexPoints)
	ret.BasePoints = cloneSlice(s.BasePoints)
	return ret
}

// Points returns the landmark array selected by t.
func (s *AnnotationSet) Points(t PointType) []LandmarkPoint {
	switch t {
	case PointApex:
		return s.ApexPoints
	case PointBase:
		return s.BasePoints
	}
	return nil
}

// SetPoints replaces the landmark array selected by t.
func (s *AnnotationSet) SetPoints(t PointType, points []LandmarkPoint) {
	switch t {
	case PointApex:
		s.ApexPoints = points
	case PointBase:
		s.BasePoints = points
	}
}

// Tooth returns the tooth with the given clinical number.
func (s *AnnotationSet) Tooth(number int) (*Tooth, bool) {
	for i := range s.Teeth {
		if s.Teeth[i].ToothNumber == number {
			return &s.Teeth[i], true
		}
	}
	return nil, false
}

// PointForTooth returns the landmark of type t attached to the given tooth number.
func (s *AnnotationSet) PointForTooth(t PointType, number int) (*LandmarkPoint, bool) {
	points := s.Points(t)
	for i := range points {
		if points[i].ToothNumber == number {
			return &points[i], true
		}
	}
	return nil, false
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
