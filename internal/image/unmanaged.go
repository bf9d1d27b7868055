package image

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"askanna/internal/apperr"
	"askanna/internal/store"
)

// Unmanaged prepares images for runtimes without an image daemon. The
// reference is validated and recorded but never pulled; it is identified by
// the digest of its normalized name instead of registry content.
type Unmanaged struct {
	images store.ImageStore
}

// NewUnmanaged creates an Unmanaged preparer.
func NewUnmanaged(images store.ImageStore) *Unmanaged {
	return &Unmanaged{images: images}
}

// Prepare returns the RunImage of req with CachedImage set to the reference
// itself.
func (u *Unmanaged) Prepare(ctx context.Context, req Request) (*store.RunImage, error) {
	ref, _ := expand(req)

	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid image reference %q: %v", apperr.ErrRegistryPull, ref, err)
	}
	named = reference.TagNameOnly(named)

	var tag string
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	img, err := u.images.GetOrCreateRunImage(ctx, named.Name(), tag, digest.FromString(named.String()))
	if err != nil {
		return nil, fmt.Errorf("get run image: %w", err)
	}
	out := *img
	out.CachedImage = reference.FamiliarString(named)
	return &out, nil
}
