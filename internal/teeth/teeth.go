// Package teeth implements the edits a clinician can make to an
// AnnotationSet. Every operation takes a set by value and returns a new set;
// the input is never modified.
package teeth

import (
	"errors"
	"fmt"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/geometry"
)

var (
	ErrPointExists          = errors.New("point already exists")
	ErrInvalidPointType     = errors.New("invalid point type")
	ErrToothNotFound        = errors.New("tooth not found")
	ErrDuplicateToothNumber = errors.New("tooth number already in use")
)

// LandmarkOffset is how far above (apex) or below (base) the centroid a
// landmark is placed when no position is given.
const LandmarkOffset = 30.0

// Recalculate refreshes the fields derived from the centroid of t.
func Recalculate(t *domain.Tooth, size domain.ImageSize) {
	t.RelativePosition = geometry.RelativeToCenter(t.Centroid, size.Height(), size.Width())
	t.Quadrant = geometry.CalculateQuadrant(t.RelativePosition)
}

// RecalculateAll returns a copy of set with every tooth's derived fields
// refreshed. Used when a set arrives from outside (inference, storage).
func RecalculateAll(set domain.AnnotationSet) domain.AnnotationSet {
	d := set.Clone()
	for i := range d.Teeth {
		Recalculate(&d.Teeth[i], d.ImageSize)
	}
	return d
}

func nextToothID(teeth []domain.Tooth) int {
	next := 1
	for _, t := range teeth {
		if t.ToothID >= next {
			next = t.ToothID + 1
		}
	}
	return next
}

func nextPointID(points []domain.LandmarkPoint) int {
	next := 1
	for _, p := range points {
		if p.PointID >= next {
			next = p.PointID + 1
		}
	}
	return next
}

// AddTooth appends a manually placed tooth. The caller is responsible for
// checking toothNumber with CheckToothNumber first.
func AddTooth(set domain.AnnotationSet, position geometry.Point, toothNumber int) domain.AnnotationSet {
	d := set.Clone()
	tooth := domain.Tooth{
		ToothID:     nextToothID(d.Teeth),
		ToothNumber: toothNumber,
		Centroid:    position,
		Confidence:  1.0,
	}
	Recalculate(&tooth, d.ImageSize)
	d.Teeth = append(d.Teeth, tooth)
	return d
}

// MoveTooth moves the tooth with the given number. Unknown numbers leave the
// set unchanged.
func MoveTooth(set domain.AnnotationSet, toothNumber int, position geometry.Point) domain.AnnotationSet {
	d := set.Clone()
	t, ok := d.Tooth(toothNumber)
	if !ok {
		return d
	}
	t.Centroid = position
	Recalculate(t, d.ImageSize)
	return d
}

// DeleteTooth removes the tooth with the given number together with its
// apex and base points.
func DeleteTooth(set domain.AnnotationSet, toothNumber int) domain.AnnotationSet {
	d := set.Clone()
	if _, ok := d.Tooth(toothNumber); !ok {
		return d
	}
	d.Teeth = filter(d.Teeth, func(t domain.Tooth) bool { return t.ToothNumber != toothNumber })
	keep := func(p domain.LandmarkPoint) bool { return p.ToothNumber != toothNumber }
	if d.ApexPoints != nil {
		d.ApexPoints = filter(d.ApexPoints, keep)
	}
	if d.BasePoints != nil {
		d.BasePoints = filter(d.BasePoints, keep)
	}
	return d
}

// AddPoint attaches a landmark of type pt to toothNumber. A tooth holds at
// most one landmark of each type.
func AddPoint(set domain.AnnotationSet, pt domain.PointType, toothNumber int, position geometry.Point) (domain.AnnotationSet, error) {
	if !pt.Valid() {
		return set, fmt.Errorf("%w: %q", ErrInvalidPointType, pt)
	}
	d := set.Clone()
	points := d.Points(pt)
	if points == nil {
		points = []domain.LandmarkPoint{}
	}
	if _, exists := d.PointForTooth(pt, toothNumber); exists {
		return set, fmt.Errorf("%s already exists for tooth %d: %w", pt, toothNumber, ErrPointExists)
	}
	points = append(points, domain.LandmarkPoint{
		PointID:     nextPointID(points),
		ToothNumber: toothNumber,
		Position:    position,
		Type:        pt,
	})
	d.SetPoints(pt, points)
	return d, nil
}

// AddPointNearTooth places a landmark next to an existing tooth: apex points
// go above the centroid, base points below.
func AddPointNearTooth(set domain.AnnotationSet, pt domain.PointType, toothNumber int) (domain.AnnotationSet, error) {
	tooth, ok := set.Tooth(toothNumber)
	if !ok {
		return set, fmt.Errorf("tooth %d: %w", toothNumber, ErrToothNotFound)
	}
	position := tooth.Centroid
	switch pt {
	case domain.PointApex:
		position.Y -= LandmarkOffset
	case domain.PointBase:
		position.Y += LandmarkOffset
	}
	return AddPoint(set, pt, toothNumber, position)
}

// MovePoint moves a landmark by id. Unknown ids leave the set unchanged.
func MovePoint(set domain.AnnotationSet, pt domain.PointType, pointID int, position geometry.Point) domain.AnnotationSet {
	d := set.Clone()
	points := d.Points(pt)
	for i := range points {
		if points[i].PointID == pointID {
			points[i].Position = position
			break
		}
	}
	return d
}

// DeletePoint removes a landmark by id. Unknown ids leave the set unchanged.
func DeletePoint(set domain.AnnotationSet, pt domain.PointType, pointID int) domain.AnnotationSet {
	d := set.Clone()
	points := d.Points(pt)
	if points == nil {
		return d
	}
	d.SetPoints(pt, filter(points, func(p domain.LandmarkPoint) bool { return p.PointID != pointID }))
	return d
}

// CheckToothNumber validates a user supplied number before AddTooth.
func CheckToothNumber(set domain.AnnotationSet, toothNumber int) error {
	if _, exists := set.Tooth(toothNumber); exists {
		return fmt.Errorf("tooth %d: %w", toothNumber, ErrDuplicateToothNumber)
	}
	return nil
}

// FindToothAt returns the first tooth whose centroid is within threshold of p.
func FindToothAt(set domain.AnnotationSet, p geometry.Point, threshold float64) (domain.Tooth, bool) {
	for i := range set.Teeth {
		if geometry.ArePointsNear(&set.Teeth[i], p, threshold) {
			return set.Teeth[i], true
		}
	}
	return domain.Tooth{}, false
}

// FindPointAt returns the first landmark of type pt within threshold of p.
func FindPointAt(set domain.AnnotationSet, pt domain.PointType, p geometry.Point, threshold float64) (domain.LandmarkPoint, bool) {
	points := set.Points(pt)
	for i := range points {
		if geometry.ArePointsNear(&points[i], p, threshold) {
			return points[i], true
		}
	}
	return domain.LandmarkPoint{}, false
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
