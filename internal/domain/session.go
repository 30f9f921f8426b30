package domain

import (
	"context"
	"time"
)

// Session is one uploaded image being corrected, with the inference
// artifacts that came back for it
type Session struct {
	ID            string
	Filename      string
	ImageSHA256   string
	ImageType     string
	OriginalImage []byte
	MaskPNG       []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionHistory is the persisted undo log of a session
type SessionHistory struct {
	Snapshots []AnnotationSet
	Index     int
}

// SessionRepository defines the interface for session storage operations
type SessionRepository interface {
	// Create stores a new session; the ID must already be assigned
	Create(ctx context.Context, session *Session) (*Session, error)

	// Get retrieves a session with its image blobs, nil if not found
	Get(ctx context.Context, id string) (*Session, error)

	// List retrieves sessions without their image blobs, newest first
	List(ctx context.Context, limit, offset int) ([]*Session, error)

	// Count returns the total number of sessions
	Count(ctx context.Context) (int64, error)

	// Delete removes a session and its history
	Delete(ctx context.Context, id string) error

	// SaveHistory replaces the stored history of a session
	SaveHistory(ctx context.Context, id string, history SessionHistory) error

	// LoadHistory retrieves the stored history of a session, nil if the
	// session does not exist
	LoadHistory(ctx context.Context, id string) (*SessionHistory, error)
}
