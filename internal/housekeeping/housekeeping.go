// Package housekeeping removes what finished runs and deleted entities leave
// behind: exited containers, dangling images and volumes, expired soft-deleted
// rows with their objects, and abandoned uploads.
package housekeeping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"askanna/internal/dispatch"
	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/worker/runtime"
)

// Defaults for the retention windows.
const (
	DefaultContainerTTL = time.Hour
	DefaultObjectTTL    = 720 * time.Hour
	DefaultUploadTTL    = 24 * time.Hour
)

// Containers is the container daemon surface housekeeping works on.
type Containers interface {
	ListExited(ctx context.Context, key, value string) ([]runtime.ExitedContainer, error)
	Remove(ctx context.Context, id string) error
	PruneImages(ctx context.Context) (uint64, error)
	PruneVolumes(ctx context.Context) (uint64, error)
}

// Uploads aborts stale incomplete uploads.
type Uploads interface {
	ReapStale(ctx context.Context, ttl time.Duration) (int, error)
}

// Options configure the retention windows.
type Options struct {
	// Environment selects the containers this deployment owns.
	Environment  string
	ContainerTTL time.Duration
	ObjectTTL    time.Duration
	UploadTTL    time.Duration
}

// Housekeeper performs the periodic cleanup tasks.
type Housekeeper struct {
	containers Containers
	purger     store.HousekeepingStore
	objects    storage.Backend
	uploads    Uploads
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Housekeeper. containers may be nil when runs do not use a
// container daemon.
func New(containers Containers, purger store.HousekeepingStore, objects storage.Backend, uploads Uploads, opts Options, logger *slog.Logger) *Housekeeper {
	if opts.ContainerTTL <= 0 {
		opts.ContainerTTL = DefaultContainerTTL
	}
	if opts.ObjectTTL <= 0 {
		opts.ObjectTTL = DefaultObjectTTL
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = DefaultUploadTTL
	}
	if opts.Environment == "" {
		opts.Environment = "local"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{
		containers: containers,
		purger:     purger,
		objects:    objects,
		uploads:    uploads,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Register binds the housekeeping tasks to registry.
func (h *Housekeeper) Register(registry *dispatch.Registry) {
	task := func(fn func(ctx context.Context) error) dispatch.Handler {
		return func(ctx context.Context, _ json.RawMessage) error { return fn(ctx) }
	}
	registry.Register(dispatch.TaskHousekeepingContainers, task(func(ctx context.Context) error {
		_, err := h.Containers(ctx)
		return err
	}))
	registry.Register(dispatch.TaskHousekeepingImages, task(h.Images))
	registry.Register(dispatch.TaskHousekeepingEntities, task(h.Entities))
	registry.Register(dispatch.TaskReapStaleUploads, task(func(ctx context.Context) error {
		_, err := h.Uploads(ctx)
		return err
	}))
}

// Containers removes exited run containers of this environment older than
// the container TTL and returns how many were removed.
func (h *Housekeeper) Containers(ctx context.Context) (int, error) {
	if h.containers == nil {
		return 0, nil
	}
	exited, err := h.containers.ListExited(ctx, runtime.LabelEnv, h.opts.Environment)
	if err != nil {
		return 0, err
	}

	cutoff := h.now().Add(-h.opts.ContainerTTL)
	var result *multierror.Error
	removed := 0
	for _, c := range exited {
		if !c.Created.Before(cutoff) {
			continue
		}
		if err := h.containers.Remove(ctx, c.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		h.logger.Info("removed exited containers", "count", removed)
	}
	return removed, result.ErrorOrNil()
}

// Images prunes dangling images and unused volumes.
func (h *Housekeeper) Images(ctx context.Context) error {
	if h.containers == nil {
		return nil
	}
	var result *multierror.Error
	images, err := h.containers.PruneImages(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	volumes, err := h.containers.PruneVolumes(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	h.logger.Info("pruned images and volumes", "images_bytes", images, "volumes_bytes", volumes)
	return result.ErrorOrNil()
}

// Entities hard-deletes entities soft-deleted longer than the object TTL
// and removes the objects of their files.
func (h *Housekeeper) Entities(ctx context.Context) error {
	cutoff := h.now().Add(-h.opts.ObjectTTL)
	res, err := h.purger.PurgeSoftDeleted(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge soft-deleted entities: %w", err)
	}

	var result *multierror.Error
	for _, key := range res.ObjectKeys {
		if err := h.objects.Delete(ctx, key); err != nil && !store.IsNotFound(err) {
			result = multierror.Append(result, err)
		}
	}
	for _, prefix := range res.PartPrefixes {
		if err := storage.DeletePrefix(ctx, h.objects, prefix); err != nil {
			result = multierror.Append(result, err)
		}
	}

	attrs := []any{"cutoff", cutoff, "objects", len(res.ObjectKeys)}
	for entity, n := range res.Counts {
		if n > 0 {
			attrs = append(attrs, entity, n)
		}
	}
	h.logger.Info("purged soft-deleted entities", attrs...)
	return result.ErrorOrNil()
}

// Uploads aborts incomplete uploads older than the upload TTL.
func (h *Housekeeper) Uploads(ctx context.Context) (int, error) {
	n, err := h.uploads.ReapStale(ctx, h.opts.UploadTTL)
	if n > 0 {
		h.logger.Info("reaped stale uploads", "count", n)
	}
	return n, err
}
