package postgres

import (
	"context"
	"fmt"
	"time"

	"askanna/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const fileColumns = `id, suuid, name, size, etag, content_type, upload_to, completed_at, part_filenames,
	created_for_type, created_for_id, created_by_membership_id, created_by_user_id,
	created_at, modified_at`

func scanFile(row rowScanner) (*store.File, error) {
	var f store.File
	err := row.Scan(
		&f.ID, &f.SUUID, &f.Name, &f.Size, &f.ETag, &f.ContentType, &f.UploadTo, &f.CompletedAt,
		pq.Array(&f.PartFilenames), &f.CreatedForType, &f.CreatedForID,
		&f.CreatedByMembershipID, &f.CreatedByUserID, &f.CreatedAt, &f.ModifiedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// CreateFile inserts a file descriptor.
func (s *Store) CreateFile(ctx context.Context, tx store.DBTransaction, f *store.File) error {
	now := time.Now().UTC()
	f.CreatedAt, f.ModifiedAt = now, now
	if f.PartFilenames == nil {
		f.PartFilenames = []string{}
	}

	query := `
		INSERT INTO files (id, suuid, name, size, etag, content_type, upload_to, completed_at,
			part_filenames, created_for_type, created_for_id, created_by_membership_id,
			created_by_user_id, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		f.ID, f.SUUID, f.Name, f.Size, f.ETag, f.ContentType, f.UploadTo, f.CompletedAt,
		pq.Array(f.PartFilenames), f.CreatedForType, f.CreatedForID, f.CreatedByMembershipID,
		f.CreatedByUserID, f.CreatedAt, f.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", f.SUUID, err)
	}
	return nil
}

// GetFileByID returns a non-deleted file.
func (s *Store) GetFileByID(ctx context.Context, id uuid.UUID) (*store.File, error) {
	query := "SELECT " + fileColumns + " FROM files WHERE id = $1 AND deleted_at IS NULL"
	return scanFile(s.db.QueryRowContext(ctx, query, id))
}

// GetFileBySUUID returns a non-deleted file.
func (s *Store) GetFileBySUUID(ctx context.Context, suuid string) (*store.File, error) {
	query := "SELECT " + fileColumns + " FROM files WHERE suuid = $1 AND deleted_at IS NULL"
	return scanFile(s.db.QueryRowContext(ctx, query, suuid))
}

// UpdateFile persists the mutable columns of a file.
func (s *Store) UpdateFile(ctx context.Context, tx store.DBTransaction, f *store.File) error {
	f.ModifiedAt = time.Now().UTC()
	if f.PartFilenames == nil {
		f.PartFilenames = []string{}
	}
	query := `
		UPDATE files
		SET name = $1, size = $2, etag = $3, content_type = $4, completed_at = $5,
			part_filenames = $6, modified_at = $7
		WHERE id = $8
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		f.Name, f.Size, f.ETag, f.ContentType, f.CompletedAt, pq.Array(f.PartFilenames), f.ModifiedAt, f.ID,
	)
	return err
}

// AddFilePart appends a part name unless it is already recorded.
func (s *Store) AddFilePart(ctx context.Context, id uuid.UUID, partName string) error {
	query := `
		UPDATE files
		SET part_filenames = array_append(part_filenames, $1), modified_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(part_filenames))
	`
	_, err := s.db.ExecContext(ctx, query, partName, id)
	return err
}

// DeleteFile hard-deletes a file row.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = $1", id)
	return err
}

// ListIncompleteFiles returns stale uploads that never completed.
func (s *Store) ListIncompleteFiles(ctx context.Context, createdBefore time.Time, limit int) ([]store.File, error) {
	query := "SELECT " + fileColumns + `
		FROM files
		WHERE completed_at IS NULL AND deleted_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []store.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}
