package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lewtec/dentamark/internal/domain"
)

// SessionRepository implements domain.SessionRepository on SQLite
type SessionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

// Create inserts a session. CreatedAt and UpdatedAt are set to now.
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	if session.ID == "" {
		return nil, errors.New("session has no id")
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, filename, image_sha256, image_type, original_image, mask_png, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Filename, session.ImageSHA256, session.ImageType,
		session.OriginalImage, session.MaskPNG, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("while inserting session %s: %w", session.ID, err)
	}
	ret := *session
	ret.CreatedAt = now
	ret.UpdatedAt = now
	return &ret, nil
}

// Get retrieves a session with its image blobs
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, filename, image_sha256, image_type, original_image, mask_png, created_at, updated_at
FROM sessions WHERE id = ?`, id)

	var s domain.Session
	var created, updated int64
	err := row.Scan(&s.ID, &s.Filename, &s.ImageSHA256, &s.ImageType, &s.OriginalImage, &s.MaskPNG, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("while reading session %s: %w", id, err)
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return &s, nil
}

// List retrieves sessions newest first, without image blobs (paginated)
func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, filename, image_sha256, image_type, created_at, updated_at
FROM sessions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("while listing sessions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Session
	for rows.Next() {
		var s domain.Session
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.Filename, &s.ImageSHA256, &s.ImageType, &created, &updated); err != nil {
			return nil, err
		}
		s.CreatedAt = time.UnixMilli(created).UTC()
		s.UpdatedAt = time.UnixMilli(updated).UTC()
		result = append(result, &s)
	}
	return result, rows.Err()
}

// Count returns the total number of sessions
func (r *SessionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
	return count, err
}

// Delete removes a session and its snapshots
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting transaction: %w", err)
	}
	defer tx.Rollback()

	// foreign keys are off by default in sqlite, so the cascade is explicit
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("while deleting snapshots of session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("while deleting session %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveHistory replaces the snapshots and index of a session
func (r *SessionRepository) SaveHistory(ctx context.Context, id string, history domain.SessionHistory) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE sessions SET history_index = ?, updated_at = ? WHERE id = ?",
		history.Index, r.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("while updating session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("while saving history: session %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("while clearing snapshots of session %s: %w", id, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO snapshots (session_id, seq, data) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for seq, snapshot := range history.Snapshots {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("while encoding snapshot %d: %w", seq, err)
		}
		if _, err := stmt.ExecContext(ctx, id, seq, string(data)); err != nil {
			return fmt.Errorf("while inserting snapshot %d of session %s: %w", seq, id, err)
		}
	}
	return tx.Commit()
}

// LoadHistory retrieves the snapshots and index of a session
func (r *SessionRepository) LoadHistory(ctx context.Context, id string) (*domain.SessionHistory, error) {
	var h domain.SessionHistory
	err := r.db.QueryRowContext(ctx, "SELECT history_index FROM sessions WHERE id = ?", id).Scan(&h.Index)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("while reading session %s: %w", id, err)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT data FROM snapshots WHERE session_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("while reading snapshots of session %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snapshot domain.AnnotationSet
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			return nil, fmt.Errorf("while decoding snapshot %d of session %s: %w", len(h.Snapshots), id, err)
		}
		h.Snapshots = append(h.Snapshots, snapshot)
	}
	return &h, rows.Err()
}

// Verify that SessionRepository implements domain.SessionRepository
var _ domain.SessionRepository = (*SessionRepository)(nil)
