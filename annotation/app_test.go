package annotation

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/export"
	"github.com/lewtec/dentamark/internal/geometry"
	"github.com/lewtec/dentamark/internal/repository"
	"github.com/lewtec/dentamark/internal/segmentation"
	"github.com/lewtec/dentamark/internal/teeth"
)

type fakeSegmenter struct {
	result *domain.SegmentationResult
	err    error
	last   domain.SegmentationRequest
}

func (f *fakeSegmenter) Segment(ctx context.Context, req domain.SegmentationRequest) (*domain.SegmentationResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func testConfig() *Config {
	cfg := &Config{}
	cfg.Meta.Description = "test project"
	cfg.Segmentation.URL = "http://segmentation.invalid"
	cfg.Editor.NearThreshold = geometry.DefaultNearThreshold
	cfg.Editor.MaxOpenSessions = 8
	cfg.Authentication = map[string]*ConfigAuth{"admin": {Password: "secret"}}
	return cfg
}

type testEnv struct {
	app       *EditorApp
	handler   http.Handler
	repo      *repository.SessionRepository
	segmenter *fakeSegmenter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := repository.SetupTestDB(t)
	t.Cleanup(func() { repository.CleanupTestDB(t, db) })

	seg := &fakeSegmenter{result: &domain.SegmentationResult{
		MaskPNG: pngBytes(t, 4, 4),
		Annotations: teeth.RecalculateAll(domain.AnnotationSet{
			ImageSize: domain.ImageSize{800, 600},
			View:      "upper",
			Teeth: []domain.Tooth{
				{ToothID: 1, ToothNumber: 11, Centroid: geometry.Point{X: 100, Y: 100}, Confidence: 0.9},
				{ToothID: 2, ToothNumber: 21, Centroid: geometry.Point{X: 500, Y: 100}, Confidence: 0.8},
			},
		}),
	}}
	repo := repository.NewSessionRepository(db)
	app := NewEditorApp(testConfig(), repo, seg)
	return &testEnv{app: app, handler: app.GetHTTPHandler(), repo: repo, segmenter: seg}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, filename, viewType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	fw.Write(data)
	require.NoError(t, mw.WriteField("view_type", viewType))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var state SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state), rec.Body.String())
	return state
}

func (e *testEnv) newSession(t *testing.T) SessionResponse {
	t.Helper()
	rec := e.upload(t, "xray.png", "upper", pngBytes(t, 8, 8))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeState(t, rec)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/api/sessions", nil).Code)
}

func TestPages(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<h1>Welcome to dentamark</h1>")
	require.Contains(t, rec.Body.String(), "test project")

	rec = env.request(t, http.MethodGet, "/help", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<table>")

	require.Equal(t, http.StatusNotFound, env.request(t, http.MethodGet, "/nope", nil).Code)
}

func TestCreateSession(t *testing.T) {
	t.Run("segments the upload and persists the first snapshot", func(t *testing.T) {
		env := newTestEnv(t)
		state := env.newSession(t)

		require.NotEmpty(t, state.ID)
		require.Equal(t, "xray.png", state.Filename)
		require.Equal(t, "upper", env.segmenter.last.ViewType)
		require.Equal(t, "xray.png", env.segmenter.last.Filename)
		require.Equal(t, 1, state.HistoryLength)
		require.Equal(t, 0, state.HistoryIndex)
		require.False(t, state.CanUndo)
		require.Len(t, state.Annotations.Teeth, 2)
		require.Equal(t, 2, state.Annotations.Teeth[0].Quadrant)

		h, err := env.repo.LoadHistory(context.Background(), state.ID)
		require.NoError(t, err)
		require.Len(t, h.Snapshots, 1)

		stored, err := env.repo.Get(context.Background(), state.ID)
		require.NoError(t, err)
		require.Equal(t, "image/png", stored.ImageType)
		require.Equal(t, HashBytes(pngBytes(t, 8, 8)), stored.ImageSHA256)
	})

	t.Run("rejects non images", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.upload(t, "notes.txt", "upper", []byte("hello"))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("requires a view type", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.upload(t, "xray.png", "", pngBytes(t, 2, 2))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("segmentation failures are bad gateway", func(t *testing.T) {
		env := newTestEnv(t)
		env.segmenter.err = &segmentation.StatusError{StatusCode: 500, Detail: "model crashed"}
		rec := env.upload(t, "xray.png", "upper", pngBytes(t, 2, 2))
		require.Equal(t, http.StatusBadGateway, rec.Code)
		require.Contains(t, rec.Body.String(), "model crashed")

		env.segmenter.err = fmt.Errorf("%w: missing mask", segmentation.ErrInvalidResponse)
		rec = env.upload(t, "xray.png", "upper", pngBytes(t, 2, 2))
		require.Equal(t, http.StatusBadGateway, rec.Code)

		count, _ := env.repo.Count(context.Background())
		require.Zero(t, count)
	})
}

func TestEditing(t *testing.T) {
	env := newTestEnv(t)
	id := env.newSession(t).ID
	base := "/api/sessions/" + id

	t.Run("add tooth derives its fields", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/teeth", map[string]any{"x": 600, "y": 500, "tooth_number": 46})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		state := decodeState(t, rec)
		tooth, ok := state.Annotations.Tooth(46)
		require.True(t, ok)
		require.Equal(t, geometry.Offset{X: 300, Y: 100}, tooth.RelativePosition)
		require.Equal(t, 4, tooth.Quadrant)
		require.Equal(t, 1.0, tooth.Confidence)
		require.Equal(t, 2, state.HistoryLength)
	})

	t.Run("duplicate tooth number conflicts", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/teeth", map[string]any{"x": 1, "y": 1, "tooth_number": 46})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("missing fields are bad requests", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, env.request(t, http.MethodPost, base+"/teeth", map[string]any{"x": 1, "y": 1}).Code)
		require.Equal(t, http.StatusBadRequest, env.request(t, http.MethodPost, base+"/teeth", map[string]any{"tooth_number": 1}).Code)
		require.Equal(t, http.StatusBadRequest, env.request(t, http.MethodPut, base+"/teeth/abc", map[string]any{"x": 1, "y": 1}).Code)
	})

	t.Run("apex near tooth then duplicate apex", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/points/apex", map[string]any{"tooth_number": 11})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		state := decodeState(t, rec)
		require.Len(t, state.Annotations.ApexPoints, 1)
		require.Equal(t, geometry.Point{X: 100, Y: 100 - teeth.LandmarkOffset}, state.Annotations.ApexPoints[0].Position)

		rec = env.request(t, http.MethodPost, base+"/points/apex", map[string]any{"tooth_number": 11, "x": 1, "y": 2})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("point near missing tooth is not found", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/points/base", map[string]any{"tooth_number": 99})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown point type", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/points/crown", map[string]any{"tooth_number": 11})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("move and delete points", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/points/base", map[string]any{"tooth_number": 11, "x": 100, "y": 140})
		require.Equal(t, http.StatusOK, rec.Code)
		rec = env.request(t, http.MethodPut, base+"/points/base/1", map[string]any{"x": 101, "y": 141})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, geometry.Point{X: 101, Y: 141}, decodeState(t, rec).Annotations.BasePoints[0].Position)

		rec = env.request(t, http.MethodDelete, base+"/points/base/1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, decodeState(t, rec).Annotations.BasePoints)
	})

	t.Run("hit test", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/hit", map[string]any{"x": 105, "y": 95})
		require.Equal(t, http.StatusOK, rec.Code)
		var hit HitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hit))
		require.NotNil(t, hit.Tooth)
		require.Equal(t, 11, hit.Tooth.ToothNumber)
		require.Nil(t, hit.Base)
	})

	t.Run("delete tooth cascades and undo restores", func(t *testing.T) {
		before := decodeState(t, env.request(t, http.MethodGet, base, nil))

		rec := env.request(t, http.MethodDelete, base+"/teeth/11", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		state := decodeState(t, rec)
		_, ok := state.Annotations.Tooth(11)
		require.False(t, ok)
		require.Empty(t, state.Annotations.ApexPoints)

		state = decodeState(t, env.request(t, http.MethodPost, base+"/undo", nil))
		require.Equal(t, before.Annotations, state.Annotations)
		require.True(t, state.CanRedo)

		state = decodeState(t, env.request(t, http.MethodPost, base+"/redo", nil))
		_, ok = state.Annotations.Tooth(11)
		require.False(t, ok)
	})

	t.Run("history is persisted after every commit", func(t *testing.T) {
		state := decodeState(t, env.request(t, http.MethodGet, base, nil))
		h, err := env.repo.LoadHistory(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, h.Snapshots, state.HistoryLength)
		require.Equal(t, state.HistoryIndex, h.Index)
	})
}

func TestDrag(t *testing.T) {
	env := newTestEnv(t)
	id := env.newSession(t).ID
	base := "/api/sessions/" + id

	rec := env.request(t, http.MethodPost, base+"/drag/begin", map[string]any{"kind": "tooth", "tooth_number": 21})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decodeState(t, rec).Dragging)

	t.Run("clicks and second drags are rejected", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, base+"/teeth", map[string]any{"x": 1, "y": 1, "tooth_number": 30})
		require.Equal(t, http.StatusConflict, rec.Code)
		rec = env.request(t, http.MethodPost, base+"/drag/begin", map[string]any{"kind": "tooth", "tooth_number": 11})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	for _, p := range []geometry.Point{{X: 510, Y: 110}, {X: 520, Y: 120}, {X: 530, Y: 130}} {
		rec := env.request(t, http.MethodPost, base+"/drag/move", map[string]any{"x": p.X, "y": p.Y})
		require.Equal(t, http.StatusOK, rec.Code)
		state := decodeState(t, rec)
		require.True(t, state.Preview)
		require.Equal(t, 1, state.HistoryLength)
	}

	rec = env.request(t, http.MethodPost, base+"/drag/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeState(t, rec)
	require.False(t, state.Dragging)
	require.Equal(t, 2, state.HistoryLength)
	tooth, _ := state.Annotations.Tooth(21)
	require.Equal(t, geometry.Point{X: 530, Y: 130}, tooth.Centroid)

	h, err := env.repo.LoadHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, h.Snapshots, 2)

	t.Run("cancel leaves the history alone", func(t *testing.T) {
		env.request(t, http.MethodPost, base+"/drag/begin", map[string]any{"kind": "tooth", "tooth_number": 11})
		env.request(t, http.MethodPost, base+"/drag/move", map[string]any{"x": 0, "y": 0})
		state := decodeState(t, env.request(t, http.MethodPost, base+"/drag/cancel", nil))
		require.False(t, state.Dragging)
		require.Equal(t, 2, state.HistoryLength)
		tooth, _ := state.Annotations.Tooth(11)
		require.Equal(t, geometry.Point{X: 100, Y: 100}, tooth.Centroid)
	})

	t.Run("ending without a drag conflicts", func(t *testing.T) {
		require.Equal(t, http.StatusConflict, env.request(t, http.MethodPost, base+"/drag/end", nil).Code)
	})

	t.Run("unknown targets", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, env.request(t, http.MethodPost, base+"/drag/begin", map[string]any{"kind": "apex", "point_id": 7}).Code)
		require.Equal(t, http.StatusBadRequest, env.request(t, http.MethodPost, base+"/drag/begin", map[string]any{"kind": "crown"}).Code)
	})
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	id := env.newSession(t).ID
	base := "/api/sessions/" + id
	env.request(t, http.MethodPost, base+"/points/apex", map[string]any{"tooth_number": 21})

	t.Run("json is flattened", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, base+"/export.json", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Header().Get("Content-Disposition"), "xray_teeth.json")
		var doc export.Document
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		require.Len(t, doc.Teeth, 2)
		require.NotNil(t, doc.Teeth[1].Apex)
		require.NotContains(t, rec.Body.String(), "apex_points")
	})

	t.Run("zip bundle", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, base+"/export.zip", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Header().Get("Content-Disposition"), "xray.zip")
		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		require.NoError(t, err)
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		require.ElementsMatch(t, []string{"xray_mask.png", "xray.json"}, names)
	})

	t.Run("zip bundle with overlay", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("overlay", "overlay.png")
		fw.Write(pngBytes(t, 2, 2))
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, base+"/export.zip", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("images", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, base+"/mask.png", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		rec = env.request(t, http.MethodGet, base+"/image", nil)
		require.Equal(t, pngBytes(t, 8, 8), rec.Body.Bytes())
	})
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	first := env.newSession(t)
	env.request(t, http.MethodPost, "/api/sessions/"+first.ID+"/teeth", map[string]any{"x": 10, "y": 10, "tooth_number": 18})
	env.newSession(t)

	t.Run("list", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/api/sessions?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Sessions []SessionSummary `json:"sessions"`
			Total    int              `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 2, body.Total)
		require.Len(t, body.Sessions, 1)

		require.Equal(t, http.StatusBadRequest, env.request(t, http.MethodGet, "/api/sessions?limit=-1", nil).Code)
	})

	t.Run("reopens from storage", func(t *testing.T) {
		other := NewEditorApp(testConfig(), env.repo, env.segmenter).GetHTTPHandler()
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+first.ID, nil)
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		other.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		state := decodeState(t, rec)
		require.Equal(t, 2, state.HistoryLength)
		_, ok := state.Annotations.Tooth(18)
		require.True(t, ok)
		require.True(t, state.CanUndo)
	})

	t.Run("delete", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, env.request(t, http.MethodDelete, "/api/sessions/"+first.ID, nil).Code)
		require.Equal(t, http.StatusNotFound, env.request(t, http.MethodGet, "/api/sessions/"+first.ID, nil).Code)
		require.Equal(t, http.StatusNotFound, env.request(t, http.MethodDelete, "/api/sessions/"+first.ID, nil).Code)
	})
}

func TestEvictionKeepsInFlightEdits(t *testing.T) {
	env := newTestEnv(t)
	env.app.cache = NewSessionCache(1)
	ctx := context.Background()
	first := env.newSession(t)

	held, err := env.app.OpenSession(ctx, first.ID)
	require.NoError(t, err)
	env.newSession(t)

	again, err := env.app.OpenSession(ctx, first.ID)
	require.NoError(t, err)
	require.Same(t, held, again, "one store per session while it is in use")
	env.app.ReleaseSession(again)

	require.NoError(t, held.store.Apply(func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		return teeth.DeleteTooth(set, 11), nil
	}))
	env.app.ReleaseSession(held)
	require.Equal(t, 1, env.app.cache.Len())

	h, err := env.repo.LoadHistory(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, h.Snapshots, 2)
	require.Equal(t, 1, h.Index)
	_, ok := h.Snapshots[1].Tooth(11)
	require.False(t, ok)
}

type flakySessions struct {
	*repository.SessionRepository
	fail bool
}

func (f *flakySessions) SaveHistory(ctx context.Context, id string, history domain.SessionHistory) error {
	if f.fail {
		return fmt.Errorf("disk full")
	}
	return f.SessionRepository.SaveHistory(ctx, id, history)
}

func TestSaveFailures(t *testing.T) {
	env := newTestEnv(t)
	sessions := &flakySessions{SessionRepository: env.repo}
	env.app.Sessions = sessions
	session := env.newSession(t)
	base := "/api/sessions/" + session.ID

	sessions.fail = true
	rec := env.request(t, http.MethodDelete, base+"/teeth/11", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "disk full")

	t.Run("uploads are refused", func(t *testing.T) {
		rec := env.upload(t, "xray.png", "upper", pngBytes(t, 8, 8))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	sessions.fail = false
	rec = env.request(t, http.MethodDelete, base+"/teeth/21", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	h, err := env.repo.LoadHistory(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, h.Snapshots, 3, "the next save carries the unsaved edit too")
	require.Empty(t, h.Snapshots[2].Teeth)
}
