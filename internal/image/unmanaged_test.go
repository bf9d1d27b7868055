package image

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askanna/internal/apperr"
)

func TestUnmanagedPrepare(t *testing.T) {
	images := newMemImages()
	u := NewUnmanaged(images)

	img, err := u.Prepare(context.Background(), Request{
		Image:     "python:${PY_VERSION}",
		Variables: map[string]string{"PY_VERSION": "3.11"},
	})
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/python", img.Repository)
	assert.Equal(t, "3.11", img.Tag)
	assert.Equal(t, "python:3.11", img.CachedImage)

	again, err := u.Prepare(context.Background(), Request{Image: "docker.io/library/python:3.11"})
	require.NoError(t, err)
	assert.Equal(t, img.ID, again.ID, "the same reference maps to one image")

	other, err := u.Prepare(context.Background(), Request{Image: "ghcr.io/acme/runner"})
	require.NoError(t, err)
	assert.NotEqual(t, img.ID, other.ID)
	assert.Equal(t, "latest", other.Tag)
	assert.Equal(t, "ghcr.io/acme/runner:latest", other.CachedImage)
}

func TestUnmanagedPrepare_InvalidReference(t *testing.T) {
	u := NewUnmanaged(newMemImages())
	_, err := u.Prepare(context.Background(), Request{Image: "Not A Valid::Ref"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRegistryPull))
}
