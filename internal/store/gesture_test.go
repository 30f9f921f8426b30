package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/geometry"
	"github.com/lewtec/dentamark/internal/teeth"
)

func loadedStore(t *testing.T) *Store {
	t.Helper()
	set := withTooth(baseSet(), 11, 100, 100)
	set, err := teeth.AddPoint(set, domain.PointBase, 11, geometry.Point{X: 100, Y: 130})
	require.NoError(t, err)
	s := New(Options{})
	s.SetAnnotationSet(set)
	return s
}

func TestGesture_ToothDrag(t *testing.T) {
	s := loadedStore(t)
	var pushes []int
	s.Subscribe(func(st State) { pushes = append(pushes, st.HistoryLength) })

	require.True(t, s.ClickAllowed())
	require.NoError(t, s.BeginToothDrag(11))
	require.False(t, s.ClickAllowed())

	for x := 110.0; x <= 650; x += 10 {
		require.NoError(t, s.DragTo(geometry.Point{X: x, Y: 700}))
	}

	preview := s.State()
	require.True(t, preview.Preview)
	require.Equal(t, 1, preview.HistoryLength, "moves are not recorded")
	tooth, _ := preview.Annotations.Tooth(11)
	require.Equal(t, 4, tooth.Quadrant)

	committed, _ := s.Current()
	orig, _ := committed.Tooth(11)
	require.Equal(t, geometry.Point{X: 100, Y: 100}, orig.Centroid, "committed set untouched during drag")

	require.NoError(t, s.EndDrag())
	require.True(t, s.ClickAllowed())
	state := s.State()
	require.Equal(t, 2, state.HistoryLength, "one push per gesture")
	require.False(t, state.Preview)
	tooth, _ = state.Annotations.Tooth(11)
	require.Equal(t, geometry.Point{X: 650, Y: 700}, tooth.Centroid)

	require.True(t, s.Undo())
	current, _ := s.Current()
	tooth, _ = current.Tooth(11)
	require.Equal(t, geometry.Point{X: 100, Y: 100}, tooth.Centroid)

	for _, n := range pushes {
		require.LessOrEqual(t, n, 2)
	}
}

func TestGesture_PointDrag(t *testing.T) {
	s := loadedStore(t)
	current, _ := s.Current()
	id := current.BasePoints[0].PointID

	require.NoError(t, s.BeginPointDrag(domain.PointBase, id))
	require.NoError(t, s.DragTo(geometry.Point{X: 5, Y: 6}))
	require.NoError(t, s.EndDrag())

	current, _ = s.Current()
	require.Equal(t, geometry.Point{X: 5, Y: 6}, current.BasePoints[0].Position)
	require.Equal(t, 2, s.State().HistoryLength)
}

func TestGesture_Exclusive(t *testing.T) {
	s := loadedStore(t)
	require.NoError(t, s.BeginToothDrag(11))
	require.ErrorIs(t, s.BeginToothDrag(11), ErrDragInProgress)
	require.ErrorIs(t, s.BeginPointDrag(domain.PointBase, 1), ErrDragInProgress)

	err := s.Apply(func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		return teeth.AddTooth(set, geometry.Point{X: 1, Y: 1}, 12), nil
	})
	require.ErrorIs(t, err, ErrDragInProgress)
}

func TestGesture_Cancel(t *testing.T) {
	s := loadedStore(t)
	require.NoError(t, s.BeginToothDrag(11))
	require.NoError(t, s.DragTo(geometry.Point{X: 1, Y: 1}))
	s.CancelDrag()

	require.False(t, s.Dragging())
	require.Equal(t, 1, s.State().HistoryLength)
	current, _ := s.Current()
	tooth, _ := current.Tooth(11)
	require.Equal(t, geometry.Point{X: 100, Y: 100}, tooth.Centroid)

	s.CancelDrag()
	require.ErrorIs(t, s.EndDrag(), ErrNoDrag)
	require.ErrorIs(t, s.DragTo(geometry.Point{}), ErrNoDrag)
}

func TestGesture_Targets(t *testing.T) {
	require.ErrorIs(t, New(Options{}).BeginToothDrag(1), ErrNoAnnotations)

	s := loadedStore(t)
	require.ErrorIs(t, s.BeginToothDrag(42), ErrNothingToDrag)
	require.ErrorIs(t, s.BeginPointDrag(domain.PointApex, 1), ErrNothingToDrag)
	require.ErrorIs(t, s.BeginPointDrag(domain.PointType("crown"), 1), teeth.ErrInvalidPointType)
	require.False(t, s.Dragging())
}
