// Package history implements a linear undo/redo log of immutable snapshots.
//
// Every value that enters or leaves the log goes through the clone function,
// so callers can keep mutating their own copies without corrupting stored
// snapshots.
package history

// History is a snapshot log with a cursor. A fresh History is empty and its
// index is -1.
type History[T any] struct {
	snapshots []T
	index     int
	clone     func(T) T

	// Limit caps the number of stored snapshots; the oldest are dropped
	// first. Zero means unlimited.
	Limit int
}

// New creates an empty history that copies values with clone.
func New[T any](clone func(T) T) *History[T] {
	return &History[T]{index: -1, clone: clone}
}

// Push records a copy of state after the current index, discarding any
// snapshots that had been undone.
func (h *History[T]) Push(state T) {
	if h.index < len(h.snapshots)-1 {
		var zero T
		for i := h.index + 1; i < len(h.snapshots); i++ {
			h.snapshots[i] = zero
		}
		h.snapshots = h.snapshots[:h.index+1]
	}
	h.snapshots = append(h.snapshots, h.clone(state))
	if h.Limit > 0 && len(h.snapshots) > h.Limit {
		drop := len(h.snapshots) - h.Limit
		h.snapshots = append([]T(nil), h.snapshots[drop:]...)
	}
	h.index = len(h.snapshots) - 1
}

// Undo steps back one snapshot and returns a copy of it. At the start of
// the log it stays at index 0 and returns the first snapshot again; ok is
// false only when the log is empty.
func (h *History[T]) Undo() (state T, ok bool) {
	if len(h.snapshots) == 0 {
		h.index = 0
		return state, false
	}
	if h.index > 0 {
		h.index--
	} else {
		h.index = 0
	}
	return h.clone(h.snapshots[h.index]), true
}

// Redo moves forward one snapshot if one exists.
func (h *History[T]) Redo() (state T, ok bool) {
	if !h.CanRedo() {
		return state, false
	}
	h.index++
	return h.clone(h.snapshots[h.index]), true
}

// Current returns a copy of the snapshot under the cursor.
func (h *History[T]) Current() (state T, ok bool) {
	if h.index < 0 || h.index >= len(h.snapshots) {
		return state, false
	}
	return h.clone(h.snapshots[h.index]), true
}

func (h *History[T]) CanUndo() bool { return h.index > 0 }

func (h *History[T]) CanRedo() bool { return h.index >= 0 && h.index < len(h.snapshots)-1 }

func (h *History[T]) Len() int { return len(h.snapshots) }

func (h *History[T]) Index() int { return h.index }

// Snapshots returns copies of every stored snapshot, oldest first.
func (h *History[T]) Snapshots() []T {
	ret := make([]T, len(h.snapshots))
	for i, s := range h.snapshots {
		ret[i] = h.clone(s)
	}
	return ret
}

// Restore replaces the log with copies of snapshots and moves the cursor to
// index, clamped to the valid range. When the log exceeds Limit the oldest
// snapshots are dropped first, then redo entries; the snapshot under the
// cursor is always kept.
func (h *History[T]) Restore(snapshots []T, index int) {
	index = min(max(index, 0), len(snapshots)-1)
	if h.Limit > 0 && len(snapshots) > h.Limit {
		drop := min(len(snapshots)-h.Limit, index)
		snapshots = snapshots[drop:]
		index -= drop
		snapshots = snapshots[:min(len(snapshots), h.Limit)]
	}
	h.snapshots = make([]T, len(snapshots))
	for i, s := range snapshots {
		h.snapshots[i] = h.clone(s)
	}
	switch {
	case len(h.snapshots) == 0:
		h.index = -1
	case index < 0:
		h.index = 0
	case index >= len(h.snapshots):
		h.index = len(h.snapshots) - 1
	default:
		h.index = index
	}
}
