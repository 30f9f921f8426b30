// Package store holds the live editing state of one image: the current
// annotation set, its undo history, the image artifacts and the drag
// gesture in progress. Observers are notified synchronously after every
// change.
package store

import (
	"errors"
	"sync"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/history"
)

var (
	ErrNoAnnotations  = errors.New("no annotation set loaded")
	ErrDragInProgress = errors.New("a drag is already in progress")
	ErrNoDrag         = errors.New("no drag in progress")
	ErrNothingToDrag  = errors.New("drag target not found")
)

// State is a read-only view of the store handed to observers.
type State struct {
	OriginalImage     []byte
	OriginalImageType string
	OriginalFilename  string
	MaskPNG           []byte

	// Annotations is nil until the first set is committed. While a drag is
	// active it holds the uncommitted preview.
	Annotations *domain.AnnotationSet
	Preview     bool

	HistoryLength int
	Index         int
	CanUndo       bool
	CanRedo       bool
	Dragging      bool
}

// Options configure a Store
type Options struct {
	// HistoryLimit caps the number of undo snapshots kept; zero keeps all.
	HistoryLimit int
}

type Store struct {
	mu sync.Mutex

	originalImage     []byte
	originalImageType string
	originalFilename  string
	maskPNG           []byte

	current *domain.AnnotationSet
	history *history.History[domain.AnnotationSet]

	drag *drag

	observers    map[int]func(State)
	nextObserver int
}

func New(opts Options) *Store {
	h := history.New(domain.AnnotationSet.Clone)
	h.Limit = opts.HistoryLimit
	return &Store{
		history:   h,
		observers: make(map[int]func(State)),
	}
}

// Subscribe registers fn and immediately calls it with the current state.
// The returned function removes the subscription. Observers must not call
// back into the store synchronously with a write.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	state := s.stateLocked()
	s.mu.Unlock()

	fn(state)
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// State returns the current composite state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Current returns a copy of the committed annotation set.
func (s *Store) Current() (domain.AnnotationSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.AnnotationSet{}, false
	}
	return s.current.Clone(), true
}

// SetOriginal records the source image.
func (s *Store) SetOriginal(image []byte, contentType, filename string) {
	s.mu.Lock()
	s.originalImage = image
	s.originalImageType = contentType
	s.originalFilename = filename
	s.publishLocked()
}

// SetMask records the segmentation mask.
func (s *Store) SetMask(mask []byte) {
	s.mu.Lock()
	s.maskPNG = mask
	s.publishLocked()
}

// SetAnnotationSet commits set as the current state and records it in the
// history. Every undoable edit goes through here.
func (s *Store) SetAnnotationSet(set domain.AnnotationSet) {
	s.mu.Lock()
	s.commitLocked(set)
	s.publishLocked()
}

// Apply runs a model operation on the committed set and commits the result.
// Nothing is recorded when op fails.
func (s *Store) Apply(op func(domain.AnnotationSet) (domain.AnnotationSet, error)) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoAnnotations
	}
	if s.drag != nil {
		s.mu.Unlock()
		return ErrDragInProgress
	}
	next, err := op(s.current.Clone())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.commitLocked(next)
	s.publishLocked()
	return nil
}

// Undo steps back one snapshot. An active drag is abandoned first. It
// returns false when there is no history at all.
func (s *Store) Undo() bool {
	s.mu.Lock()
	s.drag = nil
	state, ok := s.history.Undo()
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.current = &state
	s.publishLocked()
	return true
}

// Redo steps forward one snapshot if an undone one is available.
func (s *Store) Redo() bool {
	s.mu.Lock()
	s.drag = nil
	state, ok := s.history.Redo()
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.current = &state
	s.publishLocked()
	return true
}

// Restore replaces the history, for example with one loaded from storage,
// and makes the snapshot at index current.
func (s *Store) Restore(h domain.SessionHistory) {
	s.mu.Lock()
	s.drag = nil
	s.history.Restore(h.Snapshots, h.Index)
	if state, ok := s.history.Current(); ok {
		s.current = &state
	} else {
		s.current = nil
	}
	s.publishLocked()
}

// History returns a copy of the undo log.
func (s *Store) History() domain.SessionHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionHistory{Snapshots: s.history.Snapshots(), Index: s.history.Index()}
}

func (s *Store) commitLocked(set domain.AnnotationSet) {
	s.history.Push(set)
	committed := set.Clone()
	s.current = &committed
}

func (s *Store) stateLocked() State {
	state := State{
		OriginalImage:     s.originalImage,
		OriginalImageType: s.originalImageType,
		OriginalFilename:  s.originalFilename,
		MaskPNG:           s.maskPNG,
		HistoryLength:     s.history.Len(),
		Index:             s.history.Index(),
		CanUndo:           s.history.CanUndo(),
		CanRedo:           s.history.CanRedo(),
		Dragging:          s.drag != nil,
	}
	switch {
	case s.drag != nil:
		live := s.drag.live.Clone()
		state.Annotations = &live
		state.Preview = true
	case s.current != nil:
		current := s.current.Clone()
		state.Annotations = &current
	}
	return state
}

// publishLocked releases the lock and then notifies observers.
func (s *Store) publishLocked() {
	state := s.stateLocked()
	observers := make([]func(State), 0, len(s.observers))
	for i := 0; i < s.nextObserver; i++ {
		if fn, ok := s.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}
