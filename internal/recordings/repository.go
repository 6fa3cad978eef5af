// Package recordings persists metadata for finished local recordings and
// serves pre-signed download URLs once the upload worker has shipped the file
// to S3.
package recordings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schoolportally/live-backend/internal/models"
)

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a recording row, status pending.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, session_id, status, local_path, duration_sec, size_bytes)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, rec.SessionID, rec.Status, rec.LocalPath, rec.DurationSec, rec.SizeBytes).
		Scan(&rec.ID, &rec.CreatedAt)
}

// GetByID returns a recording by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT id, session_id, status, COALESCE(local_path,''), COALESCE(s3_key,''), COALESCE(s3_url,''), size_bytes, duration_sec, created_at
		FROM recordings WHERE id = $1`
	var rec models.Recording
	err := r.pool.QueryRow(ctx, q, id).Scan(&rec.ID, &rec.SessionID, &rec.Status, &rec.LocalPath,
		&rec.S3Key, &rec.S3URL, &rec.SizeBytes, &rec.DurationSec, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBySession returns all recordings for a session.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Recording, error) {
	const q = `SELECT id, session_id, status, COALESCE(local_path,''), COALESCE(s3_key,''), COALESCE(s3_url,''), size_bytes, duration_sec, created_at
		FROM recordings WHERE session_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Status, &rec.LocalPath,
			&rec.S3Key, &rec.S3URL, &rec.SizeBytes, &rec.DurationSec, &rec.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// UpdateStatus sets recording status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `UPDATE recordings SET status = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// UpdateS3Result records a completed upload.
func (r *Repository) UpdateS3Result(ctx context.Context, id uuid.UUID, s3URL, s3Key string, sizeBytes int64) error {
	const q = `UPDATE recordings SET s3_url = $1, s3_key = $2, size_bytes = $3, local_path = NULL, status = $4 WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, s3URL, s3Key, sizeBytes, models.RecordingCompleted, id)
	return err
}
