package annotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrBadRequest      = errors.New("bad request")
)

const persistTimeout = 10 * time.Second

// EditorApp serves the correction editor. Each session owns a store; every
// committed change to a store is written back to the repository.
type EditorApp struct {
	Config    *Config
	Sessions  domain.SessionRepository
	Segmenter domain.Segmenter

	cache *SessionCache
}

func NewEditorApp(config *Config, sessions domain.SessionRepository, segmenter domain.Segmenter) *EditorApp {
	return &EditorApp{
		Config:    config,
		Sessions:  sessions,
		Segmenter: segmenter,
		cache:     NewSessionCache(config.Editor.MaxOpenSessions),
	}
}

func (a *EditorApp) newStore() *store.Store {
	return store.New(store.Options{HistoryLimit: a.Config.Editor.HistoryLimit})
}

// CreateSession runs segmentation on an upload and opens a new session
// whose first history entry is the inference result. The session is
// returned pinned; callers hand it back with ReleaseSession.
func (a *EditorApp) CreateSession(ctx context.Context, upload *UploadedImage, viewType string) (*openSession, error) {
	if strings.TrimSpace(viewType) == "" {
		return nil, fmt.Errorf("%w: view_type is required", ErrBadRequest)
	}
	result, err := a.Segmenter.Segment(ctx, domain.SegmentationRequest{
		Image:    upload.Data,
		Filename: upload.Filename,
		ViewType: viewType,
	})
	if err != nil {
		return nil, fmt.Errorf("while segmenting %s: %w", upload.Filename, err)
	}

	meta, err := a.Sessions.Create(ctx, &domain.Session{
		ID:            uuid.NewString(),
		Filename:      upload.Filename,
		ImageSHA256:   HashBytes(upload.Data),
		ImageType:     upload.ContentType,
		OriginalImage: upload.Data,
		MaskPNG:       result.MaskPNG,
	})
	if err != nil {
		return nil, fmt.Errorf("while creating session: %w", err)
	}
	log.Printf("session %s: created for %s with %d teeth", meta.ID, meta.Filename, len(result.Annotations.Teeth))

	st := a.newStore()
	st.SetOriginal(upload.Data, upload.ContentType, upload.Filename)
	st.SetMask(result.MaskPNG)
	st.SetAnnotationSet(result.Annotations)

	s := &openSession{meta: meta, store: st}
	a.attach(s, true)
	if err := s.saveError(); err != nil {
		s.close()
		return nil, fmt.Errorf("while saving session %s: %w", meta.ID, err)
	}
	return a.cache.Add(s), nil
}

// OpenSession returns the in-memory session, loading it from the
// repository when it is not cached. Like CreateSession it returns the
// session pinned.
func (a *EditorApp) OpenSession(ctx context.Context, id string) (*openSession, error) {
	if s, ok := a.cache.Get(id); ok {
		return s, nil
	}
	meta, err := a.Sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("while loading session %s: %w", id, err)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	h, err := a.Sessions.LoadHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("while loading history of session %s: %w", id, err)
	}

	st := a.newStore()
	st.SetOriginal(meta.OriginalImage, meta.ImageType, meta.Filename)
	st.SetMask(meta.MaskPNG)
	if h != nil {
		st.Restore(*h)
	}
	log.Printf("session %s: reopened", id)

	s := &openSession{meta: meta, store: st}
	a.attach(s, false)
	return a.cache.Add(s), nil
}

// ReleaseSession unpins a session from CreateSession or OpenSession so
// the cache may evict it.
func (a *EditorApp) ReleaseSession(s *openSession) {
	a.cache.Release(s)
}

func (a *EditorApp) DeleteSession(ctx context.Context, id string) error {
	meta, err := a.Sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("while loading session %s: %w", id, err)
	}
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	a.cache.Remove(id)
	if err := a.Sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("while deleting session %s: %w", id, err)
	}
	log.Printf("session %s: deleted", id)
	return nil
}

// attach subscribes the persistence observer. Drag previews are skipped;
// the commit that ends the drag is saved.
func (a *EditorApp) attach(s *openSession, saveNow bool) {
	first := true
	s.unsubscribe = s.store.Subscribe(func(state store.State) {
		if first {
			first = false
			if !saveNow {
				return
			}
		}
		if state.Dragging {
			return
		}
		a.persist(s)
	})
}

func (a *EditorApp) persist(s *openSession) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s.saveErr = a.Sessions.SaveHistory(ctx, s.meta.ID, s.store.History())
	if s.saveErr != nil {
		log.Printf("error: session %s: while saving history: %s", s.meta.ID, s.saveErr)
	}
}

func (a *EditorApp) GetHTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", a.handleWelcome)
	mux.HandleFunc("GET /help", a.handleHelp)

	mux.HandleFunc("POST /api/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.sessionHandler(a.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", a.handleDeleteSession)

	mux.HandleFunc("POST /api/sessions/{id}/teeth", a.sessionHandler(a.handleAddTooth))
	mux.HandleFunc("PUT /api/sessions/{id}/teeth/{number}", a.sessionHandler(a.handleMoveTooth))
	mux.HandleFunc("DELETE /api/sessions/{id}/teeth/{number}", a.sessionHandler(a.handleDeleteTooth))

	mux.HandleFunc("POST /api/sessions/{id}/points/{type}", a.sessionHandler(a.handleAddPoint))
	mux.HandleFunc("PUT /api/sessions/{id}/points/{type}/{pointID}", a.sessionHandler(a.handleMovePoint))
	mux.HandleFunc("DELETE /api/sessions/{id}/points/{type}/{pointID}", a.sessionHandler(a.handleDeletePoint))

	mux.HandleFunc("POST /api/sessions/{id}/hit", a.sessionHandler(a.handleHitTest))
	mux.HandleFunc("POST /api/sessions/{id}/undo", a.sessionHandler(a.handleUndo))
	mux.HandleFunc("POST /api/sessions/{id}/redo", a.sessionHandler(a.handleRedo))

	mux.HandleFunc("POST /api/sessions/{id}/drag/begin", a.sessionHandler(a.handleDragBegin))
	mux.HandleFunc("POST /api/sessions/{id}/drag/move", a.sessionHandler(a.handleDragMove))
	mux.HandleFunc("POST /api/sessions/{id}/drag/end", a.sessionHandler(a.handleDragEnd))
	mux.HandleFunc("POST /api/sessions/{id}/drag/cancel", a.sessionHandler(a.handleDragCancel))

	mux.HandleFunc("GET /api/sessions/{id}/export.json", a.sessionHandler(a.handleExportJSON))
	mux.HandleFunc("GET /api/sessions/{id}/export.zip", a.sessionHandler(a.handleExportArchive))
	mux.HandleFunc("POST /api/sessions/{id}/export.zip", a.sessionHandler(a.handleExportArchive))
	mux.HandleFunc("GET /api/sessions/{id}/mask.png", a.sessionHandler(a.handleMask))
	mux.HandleFunc("GET /api/sessions/{id}/image", a.sessionHandler(a.handleImage))

	var handler http.Handler = mux
	handler = BasicAuth(a.Config.Authentication, handler)
	handler = HTTPLogger(handler)
	return handler
}

// sessionHandler resolves the {id} path segment before calling h.
func (a *EditorApp) sessionHandler(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.OpenSession(r.Context(), r.PathValue("id"))
		if err != nil {
			respondErr(w, err)
			return
		}
		defer a.ReleaseSession(s)
		h(w, r.WithContext(withSession(r.Context(), s)))
	}
}
