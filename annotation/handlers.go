package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/export"
	"github.com/lewtec/dentamark/internal/geometry"
	"github.com/lewtec/dentamark/internal/store"
	"github.com/lewtec/dentamark/internal/teeth"
)

// SessionResponse is the editor state of one session as sent to clients.
type SessionResponse struct {
	ID            string                `json:"id"`
	Filename      string                `json:"filename"`
	ImageSHA256   string                `json:"image_sha256"`
	CreatedAt     time.Time             `json:"created_at"`
	Annotations   *domain.AnnotationSet `json:"annotations"`
	Preview       bool                  `json:"preview"`
	HistoryLength int                   `json:"history_length"`
	HistoryIndex  int                   `json:"history_index"`
	CanUndo       bool                  `json:"can_undo"`
	CanRedo       bool                  `json:"can_redo"`
	Dragging      bool                  `json:"dragging"`
	ImageURL      string                `json:"image_url"`
	MaskURL       string                `json:"mask_url"`
}

// SessionSummary is a session as listed, without editor state.
type SessionSummary struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ImageSHA256 string    `json:"image_sha256"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newSessionResponse(s *openSession, state store.State) SessionResponse {
	base := "/api/sessions/" + s.meta.ID
	return SessionResponse{
		ID:            s.meta.ID,
		Filename:      s.meta.Filename,
		ImageSHA256:   s.meta.ImageSHA256,
		CreatedAt:     s.meta.CreatedAt,
		Annotations:   state.Annotations,
		Preview:       state.Preview,
		HistoryLength: state.HistoryLength,
		HistoryIndex:  state.Index,
		CanUndo:       state.CanUndo,
		CanRedo:       state.CanRedo,
		Dragging:      state.Dragging,
		ImageURL:      base + "/image",
		MaskURL:       base + "/mask.png",
	}
}

func respondState(w http.ResponseWriter, s *openSession, status int) {
	respondJSON(w, newSessionResponse(s, s.store.State()), status)
}

// respondCommitted answers a change that went through the history. The
// change stays in memory when saving it failed, but the client gets a 500.
func respondCommitted(w http.ResponseWriter, s *openSession) {
	if err := s.saveError(); err != nil {
		respondErr(w, fmt.Errorf("while saving session %s: %w", s.meta.ID, err))
		return
	}
	respondState(w, s, http.StatusOK)
}

type positionBody struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (b positionBody) point() (geometry.Point, bool) {
	if b.X == nil || b.Y == nil {
		return geometry.Point{}, false
	}
	return geometry.Point{X: *b.X, Y: *b.Y}, true
}

func (b positionBody) requirePoint() (geometry.Point, error) {
	p, ok := b.point()
	if !ok {
		return p, fmt.Errorf("%w: x and y are required", ErrBadRequest)
	}
	return p, nil
}

type toothBody struct {
	positionBody
	ToothNumber *int `json:"tooth_number"`
}

type dragBody struct {
	Kind        string `json:"kind"`
	ToothNumber int    `json:"tooth_number"`
	PointID     int    `json:"point_id"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: while decoding body: %w", ErrBadRequest, err)
	}
	return nil
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrBadRequest, name)
	}
	return v, nil
}

func pathPointType(r *http.Request) (domain.PointType, error) {
	pt, err := domain.ParsePointType(r.PathValue("type"))
	if err != nil {
		return "", fmt.Errorf("%w: %w", teeth.ErrInvalidPointType, err)
	}
	return pt, nil
}

func (a *EditorApp) pageData(title string) PageData {
	return PageData{
		Title:         title,
		Description:   stringOr(a.Config.Meta.Description, "(No description provided)"),
		NearThreshold: a.Config.Editor.NearThreshold,
	}
}

func (a *EditorApp) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := RenderPage(w, "welcome", a.pageData("Welcome")); err != nil {
		log.Printf("error: http: while rendering welcome page: %s", err)
	}
}

func (a *EditorApp) handleHelp(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := RenderPage(w, "help", a.pageData("Help")); err != nil {
		log.Printf("error: http: while rendering help page: %s", err)
	}
}

func stringOr(str, or string) string {
	if str != "" {
		return str
	}
	return or
}

func (a *EditorApp) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		respondErr(w, fmt.Errorf("%w: while parsing upload: %w", ErrBadRequest, err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		respondErr(w, fmt.Errorf("%w: no image uploaded", ErrBadRequest))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondErr(w, fmt.Errorf("while reading upload: %w", err))
		return
	}
	upload, err := DecodeUpload(data, header.Filename)
	if err != nil {
		respondErr(w, err)
		return
	}
	s, err := a.CreateSession(r.Context(), upload, r.FormValue("view_type"))
	if err != nil {
		respondErr(w, err)
		return
	}
	defer a.ReleaseSession(s)
	respondState(w, s, http.StatusCreated)
}

func (a *EditorApp) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := DefaultSessionsPerPage, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondErr(w, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondErr(w, fmt.Errorf("%w: offset must be a non-negative integer", ErrBadRequest))
			return
		}
		offset = n
	}
	sessions, err := a.Sessions.List(r.Context(), limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	total, err := a.Sessions.Count(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	summaries := make([]SessionSummary, len(sessions))
	for i, s := range sessions {
		summaries[i] = SessionSummary{ID: s.ID, Filename: s.Filename, ImageSHA256: s.ImageSHA256, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
	}
	respondJSON(w, map[string]any{"sessions": summaries, "total": total}, http.StatusOK)
}

func (a *EditorApp) handleGetSession(w http.ResponseWriter, r *http.Request) {
	respondState(w, sessionFromContext(r.Context()), http.StatusOK)
}

func (a *EditorApp) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apply runs op on the session store and answers with the new state.
func apply(w http.ResponseWriter, s *openSession, op func(domain.AnnotationSet) (domain.AnnotationSet, error)) {
	if err := s.store.Apply(op); err != nil {
		respondErr(w, err)
		return
	}
	respondCommitted(w, s)
}

func (a *EditorApp) handleAddTooth(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	if !s.store.ClickAllowed() {
		respondErr(w, store.ErrDragInProgress)
		return
	}
	var body toothBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	p, err := body.requirePoint()
	if err != nil {
		respondErr(w, err)
		return
	}
	if body.ToothNumber == nil {
		respondErr(w, fmt.Errorf("%w: tooth_number is required", ErrBadRequest))
		return
	}
	number := *body.ToothNumber
	apply(w, s, func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		if err := teeth.CheckToothNumber(set, number); err != nil {
			return set, err
		}
		return teeth.AddTooth(set, p, number), nil
	})
}

func (a *EditorApp) handleMoveTooth(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	number, err := pathInt(r, "number")
	if err != nil {
		respondErr(w, err)
		return
	}
	var body positionBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	p, err := body.requirePoint()
	if err != nil {
		respondErr(w, err)
		return
	}
	apply(w, s, func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		return teeth.MoveTooth(set, number, p), nil
	})
}

func (a *EditorApp) handleDeleteTooth(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	number, err := pathInt(r, "number")
	if err != nil {
		respondErr(w, err)
		return
	}
	apply(w, s, func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		return teeth.DeleteTooth(set, number), nil
	})
}

func (a *EditorApp) handleAddPoint(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	pt, err := pathPointType(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var body toothBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.ToothNumber == nil {
		respondErr(w, fmt.Errorf("%w: tooth_number is required", ErrBadRequest))
		return
	}
	number := *body.ToothNumber
	p, hasPosition := body.point()
	apply(w, s, func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		if !hasPosition {
			return teeth.AddPointNearTooth(set, pt, number)
		}
		return teeth.AddPoint(set, pt, number, p)
	})
}

func (a *EditorApp) handleMovePoint(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	pt, err := pathPointType(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathInt(r, "pointID")
	if err != nil {
		respondErr(w, err)
		return
	}
	var body positionBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	p, err := body.requirePoint()
	if err != nil {
		respondErr(w, err)
		return
	}
	apply(w, s, func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		return teeth.MovePoint(set, pt, id, p), nil
	})
}

func (a *EditorApp) handleDeletePoint(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	pt, err := pathPointType(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathInt(r, "pointID")
	if err != nil {
		respondErr(w, err)
		return
	}
	apply(w, s, func(set domain.AnnotationSet) (domain.AnnotationSet, error) {
		return teeth.DeletePoint(set, pt, id), nil
	})
}

// HitResponse lists what lies under a click, within the near threshold.
type HitResponse struct {
	Tooth *domain.Tooth         `json:"tooth,omitempty"`
	Apex  *domain.LandmarkPoint `json:"apex,omitempty"`
	Base  *domain.LandmarkPoint `json:"base,omitempty"`
}

func (a *EditorApp) handleHitTest(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	var body positionBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	p, err := body.requirePoint()
	if err != nil {
		respondErr(w, err)
		return
	}
	set, ok := s.store.Current()
	if !ok {
		respondErr(w, store.ErrNoAnnotations)
		return
	}
	threshold := a.Config.Editor.NearThreshold
	var hit HitResponse
	if t, ok := teeth.FindToothAt(set, p, threshold); ok {
		hit.Tooth = &t
	}
	if pt, ok := teeth.FindPointAt(set, domain.PointApex, p, threshold); ok {
		hit.Apex = &pt
	}
	if pt, ok := teeth.FindPointAt(set, domain.PointBase, p, threshold); ok {
		hit.Base = &pt
	}
	respondJSON(w, hit, http.StatusOK)
}

func (a *EditorApp) handleUndo(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	s.store.Undo()
	respondCommitted(w, s)
}

func (a *EditorApp) handleRedo(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	s.store.Redo()
	respondCommitted(w, s)
}

func (a *EditorApp) handleDragBegin(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	var body dragBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	var err error
	switch body.Kind {
	case "tooth":
		err = s.store.BeginToothDrag(body.ToothNumber)
	case string(domain.PointApex), string(domain.PointBase):
		err = s.store.BeginPointDrag(domain.PointType(body.Kind), body.PointID)
	default:
		err = fmt.Errorf("%w: kind must be tooth, apex or base", ErrBadRequest)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondState(w, s, http.StatusOK)
}

func (a *EditorApp) handleDragMove(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	var body positionBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	p, err := body.requirePoint()
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.store.DragTo(p); err != nil {
		respondErr(w, err)
		return
	}
	respondState(w, s, http.StatusOK)
}

func (a *EditorApp) handleDragEnd(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	if err := s.store.EndDrag(); err != nil {
		respondErr(w, err)
		return
	}
	respondCommitted(w, s)
}

func (a *EditorApp) handleDragCancel(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	s.store.CancelDrag()
	respondState(w, s, http.StatusOK)
}

func attachment(w http.ResponseWriter, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
}

func (a *EditorApp) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	set, ok := s.store.Current()
	if !ok {
		respondErr(w, store.ErrNoAnnotations)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteJSON(&buf, set); err != nil {
		respondErr(w, err)
		return
	}
	attachment(w, "application/json", export.JSONFilename(s.meta.Filename))
	w.Write(buf.Bytes())
}

func (a *EditorApp) handleExportArchive(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	state := s.store.State()
	set, ok := s.store.Current()
	if !ok {
		respondErr(w, store.ErrNoAnnotations)
		return
	}
	bundle := export.Bundle{
		Filename:    s.meta.Filename,
		MaskPNG:     state.MaskPNG,
		Annotations: set,
	}
	if r.Method == http.MethodPost {
		overlay, err := readOverlay(w, r)
		if err != nil {
			respondErr(w, err)
			return
		}
		bundle.OverlayPNG = overlay
	}

	var buf bytes.Buffer
	if err := export.WriteArchive(&buf, bundle); err != nil {
		if bundle.OverlayPNG != nil {
			err = fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		respondErr(w, err)
		return
	}
	attachment(w, "application/zip", bundle.ArchiveName())
	w.Write(buf.Bytes())
}

// readOverlay returns the optional "overlay" file of a multipart request.
func readOverlay(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		return nil, fmt.Errorf("%w: while parsing upload: %w", ErrBadRequest, err)
	}
	file, _, err := r.FormFile("overlay")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (a *EditorApp) handleMask(w http.ResponseWriter, r *http.Request) {
	state := sessionFromContext(r.Context()).store.State()
	if len(state.MaskPNG) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(state.MaskPNG)
}

func (a *EditorApp) handleImage(w http.ResponseWriter, r *http.Request) {
	state := sessionFromContext(r.Context()).store.State()
	if len(state.OriginalImage) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", state.OriginalImageType)
	w.Write(state.OriginalImage)
}
