// Package image resolves the container image a run executes in. A base image
// is identified by its registry digest and augmented once with the runner
// helper; the derived image is shared by every run whose base has the same
// digest.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/registry"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"askanna/internal/apperr"
	"askanna/internal/askannayml"
	"askanna/internal/store"
)

// DefaultTimeout bounds a single registry call.
const DefaultTimeout = 60 * time.Second

// Registry is the subset of an image daemon the manager needs.
type Registry interface {
	// Login verifies credentials against the registry in auth.ServerAddress.
	Login(ctx context.Context, auth registry.AuthConfig) error

	// Inspect returns the content digest the registry serves for ref.
	Inspect(ctx context.Context, ref, encodedAuth string) (digest.Digest, error)

	// Pull makes ref available to the local daemon.
	Pull(ctx context.Context, ref, encodedAuth string) error

	// Exists reports whether ref is present locally.
	Exists(ctx context.Context, ref string) (bool, error)

	// Build builds the tar build context and tags the result.
	Build(ctx context.Context, buildContext io.Reader, tag string) error
}

// Options configure a Manager.
type Options struct {
	// Environment prefixes derived image names, e.g. "production".
	Environment string

	// Timeout bounds each registry call. Zero means DefaultTimeout.
	Timeout time.Duration

	// RunUtilsURL is where the derived image downloads askanna-run-utils from.
	RunUtilsURL string
}

// Manager prepares run images.
type Manager struct {
	registry Registry
	images   store.ImageStore
	opts     Options
	logger   *slog.Logger
	builds   singleflight.Group
}

// NewManager creates a Manager.
func NewManager(reg Registry, images store.ImageStore, opts Options, logger *slog.Logger) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Environment == "" {
		opts.Environment = "local"
	}
	return &Manager{
		registry: reg,
		images:   images,
		opts:     opts,
		logger:   logger,
	}
}

// Request describes the image a run asked for.
type Request struct {
	// Image is the reference from askanna.yml, possibly containing ${VAR}.
	Image string

	Credentials *askannayml.Credentials

	// Variables are the run's resolved environment used for ${VAR} expansion.
	Variables map[string]string
}

// Prepare returns the RunImage for req with CachedImage set to a locally
// available derived image. Credential and registry failures wrap
// apperr.ErrRegistryAuth or apperr.ErrRegistryPull.
func (m *Manager) Prepare(ctx context.Context, req Request) (*store.RunImage, error) {
	ref, auth := expand(req)

	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid image reference %q: %v", apperr.ErrRegistryPull, ref, err)
	}
	named = reference.TagNameOnly(named)

	var encodedAuth string
	if auth != nil {
		auth.ServerAddress = reference.Domain(named)
		if err := m.call(ctx, func(ctx context.Context) error {
			return m.registry.Login(ctx, *auth)
		}); err != nil {
			return nil, err
		}
		encodedAuth, err = registry.EncodeAuthConfig(*auth)
		if err != nil {
			return nil, fmt.Errorf("encode registry auth: %w", err)
		}
	}

	var dgst digest.Digest
	if err := m.call(ctx, func(ctx context.Context) error {
		var err error
		dgst, err = m.registry.Inspect(ctx, named.String(), encodedAuth)
		return err
	}); err != nil {
		return nil, err
	}

	var tag string
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}

	img, err := m.images.GetOrCreateRunImage(ctx, named.Name(), tag, dgst)
	if err != nil {
		return nil, fmt.Errorf("get run image: %w", err)
	}

	if img.CachedImage != "" {
		ok, err := m.registry.Exists(ctx, img.CachedImage)
		if err == nil && ok {
			return img, nil
		}
		if err != nil {
			m.logger.Warn("checking cached image", "image", img.CachedImage, "error", err)
		}
	}

	// Rows sharing a digest share the derived image, so one build serves
	// every tag that points at it.
	v, err, _ := m.builds.Do(dgst.String(), func() (any, error) {
		return m.build(ctx, img.SUUID, named, dgst, encodedAuth)
	})
	if err != nil {
		return nil, err
	}

	out := *img
	out.CachedImage = v.(string)
	return &out, nil
}

// build derives the runner image from the digest-pinned base and records it
// on every run image with that digest.
func (m *Manager) build(ctx context.Context, runImageSUUID string, named reference.Named, dgst digest.Digest, encodedAuth string) (string, error) {
	pinned, err := reference.WithDigest(reference.TrimNamed(named), dgst)
	if err != nil {
		return "", fmt.Errorf("%w: pin %s to %s: %v", apperr.ErrRegistryPull, named, dgst, err)
	}

	if err := m.call(ctx, func(ctx context.Context) error {
		return m.registry.Pull(ctx, pinned.String(), encodedAuth)
	}); err != nil {
		return "", err
	}

	buildContext, err := BuildContext(pinned.String(), m.opts.RunUtilsURL)
	if err != nil {
		return "", err
	}

	tag := CachedTag(m.opts.Environment, runImageSUUID, dgst)
	started := time.Now()
	if err := m.registry.Build(ctx, buildContext, tag); err != nil {
		return "", fmt.Errorf("build run image %s: %w", tag, err)
	}
	m.logger.Info("built run image", "image", tag, "base", pinned.String(), "duration", time.Since(started))

	if err := m.images.SetCachedImage(ctx, dgst, tag); err != nil {
		return "", fmt.Errorf("record cached image: %w", err)
	}
	return tag, nil
}

// call runs fn under the registry timeout. A timeout is a pull failure.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrRegistryAuth) || errors.Is(err, apperr.ErrRegistryPull) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: registry call timed out after %s", apperr.ErrRegistryPull, m.opts.Timeout)
	}
	return err
}

// CachedTag names the derived image of a RunImage:
// "{env}-aa-{suuid}:{first 12 hex chars of the digest}", lower-cased.
func CachedTag(env, runImageSUUID string, dgst digest.Digest) string {
	short := dgst.Encoded()
	if len(short) > 12 {
		short = short[:12]
	}
	return strings.ToLower(fmt.Sprintf("%s-aa-%s:%s", env, runImageSUUID, short))
}

// expand substitutes ${VAR} references in the image and credentials. Unknown
// variables expand to the empty string. No credentials means anonymous access.
func expand(req Request) (string, *registry.AuthConfig) {
	lookup := func(name string) string {
		return req.Variables[name]
	}
	ref := strings.TrimSpace(os.Expand(req.Image, lookup))

	if req.Credentials == nil {
		return ref, nil
	}
	user := os.Expand(req.Credentials.Username, lookup)
	pass := os.Expand(req.Credentials.Password, lookup)
	if user == "" && pass == "" {
		return ref, nil
	}
	return ref, &registry.AuthConfig{Username: user, Password: pass}
}
