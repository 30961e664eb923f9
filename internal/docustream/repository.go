package docustream

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docustream/backend/internal/models"
)

const docustreamColumns = `id, owner_id, title, start_time, total_duration_seconds, is_finalized_audio, status, recording_count, created_at, updated_at`

const recordingColumns = `id, docustream_id, s3_key, s3_url, mime_type, file_size, duration_seconds, digest, start_time, created_at`

// Repository handles docustream persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a docustream repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanDocustream(row pgx.Row) (*models.Docustream, error) {
	var d models.Docustream
	err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.StartTime, &d.TotalDurationSeconds, &d.IsFinalizedAudio, &d.Status, &d.RecordingCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanRecording(row pgx.Row) (*models.DocustreamRecording, error) {
	var rec models.DocustreamRecording
	err := row.Scan(&rec.ID, &rec.DocustreamID, &rec.S3Key, &rec.S3URL, &rec.MimeType, &rec.FileSize, &rec.DurationSeconds, &rec.Digest, &rec.StartTime, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new container with status created.
func (r *Repository) Create(ctx context.Context, d *models.Docustream) error {
	const q = `INSERT INTO docustreams (owner_id, title, start_time, status)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + docustreamColumns
	got, err := scanDocustream(r.pool.QueryRow(ctx, q, d.OwnerID, d.Title, d.StartTime, models.DocustreamStatusCreated))
	if err != nil {
		return err
	}
	*d = *got
	return nil
}

// GetByID returns a container or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Docustream, error) {
	const q = `SELECT ` + docustreamColumns + ` FROM docustreams WHERE id = $1`
	return scanDocustream(r.pool.QueryRow(ctx, q, id))
}

// ListByOwner returns an owner's containers, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Docustream, error) {
	const q = `SELECT ` + docustreamColumns + ` FROM docustreams WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Docustream{}
	for rows.Next() {
		d, err := scanDocustream(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *d)
	}
	return list, rows.Err()
}

// AppendRecording stores rec and adds its duration to the container in one
// transaction. A recording id that already exists leaves the container
// untouched, so a retried upload is counted once. It returns the container
// as it stands after the call and whether rec was inserted.
func (r *Repository) AppendRecording(ctx context.Context, rec *models.DocustreamRecording) (*models.Docustream, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const ins = `INSERT INTO docustream_recordings (id, docustream_id, s3_key, s3_url, mime_type, file_size, duration_seconds, digest, start_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	tag, err := tx.Exec(ctx, ins, rec.ID, rec.DocustreamID, rec.S3Key, rec.S3URL, rec.MimeType, rec.FileSize, rec.DurationSeconds, rec.Digest, rec.StartTime)
	if err != nil {
		return nil, false, fmt.Errorf("insert recording: %w", err)
	}
	inserted := tag.RowsAffected() == 1

	var d *models.Docustream
	if inserted {
		const upd = `UPDATE docustreams
			SET total_duration_seconds = total_duration_seconds + $1,
				is_finalized_audio = TRUE,
				status = $2,
				recording_count = recording_count + 1,
				updated_at = NOW()
			WHERE id = $3
			RETURNING ` + docustreamColumns
		d, err = scanDocustream(tx.QueryRow(ctx, upd, rec.DurationSeconds, models.DocustreamStatusAudioUploaded, rec.DocustreamID))
	} else {
		d, err = scanDocustream(tx.QueryRow(ctx, `SELECT `+docustreamColumns+` FROM docustreams WHERE id = $1`, rec.DocustreamID))
	}
	if err != nil {
		return nil, false, fmt.Errorf("update docustream: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return d, inserted, nil
}

// ListRecordings returns a container's recordings in submission order.
func (r *Repository) ListRecordings(ctx context.Context, docustreamID uuid.UUID) ([]models.DocustreamRecording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM docustream_recordings WHERE docustream_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q, docustreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.DocustreamRecording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// GetRecording returns one recording of a container or ErrNotFound.
func (r *Repository) GetRecording(ctx context.Context, docustreamID, recordingID uuid.UUID) (*models.DocustreamRecording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM docustream_recordings WHERE id = $1 AND docustream_id = $2`
	return scanRecording(r.pool.QueryRow(ctx, q, recordingID, docustreamID))
}
