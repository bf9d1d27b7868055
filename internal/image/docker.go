package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"

	"askanna/internal/apperr"
)

// DockerRegistry implements Registry on top of the Docker daemon.
type DockerRegistry struct {
	client *client.Client
}

// NewDockerRegistry wraps an existing Docker client.
func NewDockerRegistry(cli *client.Client) *DockerRegistry {
	return &DockerRegistry{client: cli}
}

func (d *DockerRegistry) Login(ctx context.Context, auth registry.AuthConfig) error {
	if _, err := d.client.RegistryLogin(ctx, auth); err != nil {
		return mapRegistryError(fmt.Sprintf("login to %s", auth.ServerAddress), err)
	}
	return nil
}

func (d *DockerRegistry) Inspect(ctx context.Context, ref, encodedAuth string) (digest.Digest, error) {
	info, err := d.client.DistributionInspect(ctx, ref, encodedAuth)
	if err != nil {
		return "", mapRegistryError(fmt.Sprintf("inspect %s", ref), err)
	}
	if err := info.Descriptor.Digest.Validate(); err != nil {
		return "", fmt.Errorf("%w: inspect %s: %v", apperr.ErrRegistryPull, ref, err)
	}
	return info.Descriptor.Digest, nil
}

func (d *DockerRegistry) Pull(ctx context.Context, ref, encodedAuth string) error {
	reader, err := d.client.ImagePull(ctx, ref, dockerimage.PullOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return mapRegistryError(fmt.Sprintf("pull %s", ref), err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return mapRegistryError(fmt.Sprintf("pull %s", ref), err)
	}
	return nil
}

func (d *DockerRegistry) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *DockerRegistry) Build(ctx context.Context, buildContext io.Reader, tag string) error {
	resp, err := d.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{"eu.askanna.image": tag},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil)
}

// mapRegistryError classifies daemon errors. Rejected credentials are auth
// failures; anything else the registry reports is a pull failure.
func mapRegistryError(op string, err error) error {
	switch {
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		return fmt.Errorf("%w: %s: %v", apperr.ErrRegistryAuth, op, err)
	case isAuthMessage(err):
		return fmt.Errorf("%w: %s: %v", apperr.ErrRegistryAuth, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: timed out", apperr.ErrRegistryPull, op)
	default:
		return fmt.Errorf("%w: %s: %v", apperr.ErrRegistryPull, op, err)
	}
}

// Pull streams report failures as plain JSON messages without a typed error.
func isAuthMessage(err error) bool {
	var jerr *jsonmessage.JSONError
	if !errors.As(err, &jerr) {
		return false
	}
	msg := strings.ToLower(jerr.Message)
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication required")
}
