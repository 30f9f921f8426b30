package store

import (
	"fmt"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/geometry"
	"github.com/lewtec/dentamark/internal/teeth"
)

// drag is the gesture in progress. Only one can exist at a time; while it
// does, ordinary clicks are suppressed.
type drag struct {
	toothNumber int
	pointType   domain.PointType
	pointID     int
	live        domain.AnnotationSet
}

func (d *drag) isTooth() bool { return d.pointType == "" }

// BeginToothDrag starts moving the tooth with the given number.
func (s *Store) BeginToothDrag(toothNumber int) error {
	return s.begin(func(set *domain.AnnotationSet) (*drag, error) {
		if _, ok := set.Tooth(toothNumber); !ok {
			return nil, fmt.Errorf("tooth %d: %w", toothNumber, ErrNothingToDrag)
		}
		return &drag{toothNumber: toothNumber}, nil
	})
}

// BeginPointDrag starts moving a landmark point.
func (s *Store) BeginPointDrag(pt domain.PointType, pointID int) error {
	return s.begin(func(set *domain.AnnotationSet) (*drag, error) {
		if !pt.Valid() {
			return nil, fmt.Errorf("%w: %q", teeth.ErrInvalidPointType, pt)
		}
		for _, p := range set.Points(pt) {
			if p.PointID == pointID {
				return &drag{pointType: pt, pointID: pointID}, nil
			}
		}
		return nil, fmt.Errorf("%s point %d: %w", pt, pointID, ErrNothingToDrag)
	})
}

func (s *Store) begin(target func(*domain.AnnotationSet) (*drag, error)) error {
	s.mu.Lock()
	if s.drag != nil {
		s.mu.Unlock()
		return ErrDragInProgress
	}
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoAnnotations
	}
	d, err := target(s.current)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	d.live = s.current.Clone()
	s.drag = d
	s.publishLocked()
	return nil
}

// DragTo moves the dragged item on the live preview. Nothing is recorded in
// the history until EndDrag.
func (s *Store) DragTo(position geometry.Point) error {
	s.mu.Lock()
	if s.drag == nil {
		s.mu.Unlock()
		return ErrNoDrag
	}
	if s.drag.isTooth() {
		s.drag.live = teeth.MoveTooth(s.drag.live, s.drag.toothNumber, position)
	} else {
		s.drag.live = teeth.MovePoint(s.drag.live, s.drag.pointType, s.drag.pointID, position)
	}
	s.publishLocked()
	return nil
}

// EndDrag commits the live preview as a single history entry.
func (s *Store) EndDrag() error {
	s.mu.Lock()
	if s.drag == nil {
		s.mu.Unlock()
		return ErrNoDrag
	}
	live := s.drag.live
	s.drag = nil
	s.commitLocked(live)
	s.publishLocked()
	return nil
}

// CancelDrag drops the gesture without committing, for pointer-cancel or
// focus loss. It is safe to call when no drag is active.
func (s *Store) CancelDrag() {
	s.mu.Lock()
	if s.drag == nil {
		s.mu.Unlock()
		return
	}
	s.drag = nil
	s.publishLocked()
}

// Dragging reports whether a gesture is in progress.
func (s *Store) Dragging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drag != nil
}

// ClickAllowed reports whether click handlers such as add-tooth may fire.
func (s *Store) ClickAllowed() bool {
	return !s.Dragging()
}
