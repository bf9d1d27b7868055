package postgres

import (
	"context"
	"fmt"

	"askanna/internal/store"
	"askanna/internal/suuid"

	"github.com/opencontainers/go-digest"
)

// GetOrCreateRunImage returns the run image for (repository, tag, digest),
// inserting it when no row exists yet. A row without a cached image takes
// the one already built for its digest.
func (s *Store) GetOrCreateRunImage(ctx context.Context, repository, tag string, dgst digest.Digest) (*store.RunImage, error) {
	id, sid := suuid.New()

	var img store.RunImage
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO run_images (id, suuid, repository, tag, digest, cached_image)
		VALUES ($1, $2, $3, $4, $5, COALESCE((
			SELECT cached_image FROM run_images
			WHERE digest = $5 AND cached_image <> ''
			ORDER BY modified_at DESC LIMIT 1
		), ''))
		ON CONFLICT (repository, tag, digest) DO UPDATE SET cached_image = CASE
			WHEN run_images.cached_image = '' THEN EXCLUDED.cached_image
			ELSE run_images.cached_image
		END
		RETURNING id, suuid, repository, tag, digest, cached_image, created_at
	`, id, sid, repository, tag, dgst).Scan(&img.ID, &img.SUUID, &img.Repository, &img.Tag, &img.Digest, &img.CachedImage, &img.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create run image %s:%s@%s: %w", repository, tag, dgst, err)
	}
	return &img, nil
}

// SetCachedImage records the derived runner image on every row of the digest.
func (s *Store) SetCachedImage(ctx context.Context, dgst digest.Digest, cachedImage string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE run_images SET cached_image = $1, modified_at = NOW() WHERE digest = $2", cachedImage, dgst)
	return err
}
