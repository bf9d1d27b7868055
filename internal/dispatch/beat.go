package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Periodic is a task published on a cron schedule.
type Periodic struct {
	Name     string
	// Schedule is a five-field cron expression or a descriptor such as "@every 1h".
	Schedule string
	Kwargs   any
}

// DefaultSchedule is the periodic work of a deployment.
func DefaultSchedule() []Periodic {
	return []Periodic{
		{Name: TaskLaunchScheduledJobs, Schedule: "* * * * *"},
		{Name: TaskFixMissedScheduledJobs, Schedule: "*/5 * * * *"},
		{Name: TaskHousekeepingContainers, Schedule: "@every 1h"},
		{Name: TaskHousekeepingImages, Schedule: "@every 1h"},
		{Name: TaskHousekeepingEntities, Schedule: "@every 1h"},
		{Name: TaskReapStaleUploads, Schedule: "@every 1h"},
	}
}

// Beat publishes periodic tasks. Several beats may run; every periodic task
// is idempotent.
type Beat struct {
	cron   *cron.Cron
	pub    Publisher
	logger *slog.Logger
}

// NewBeat registers entries. Specs are evaluated in UTC.
func NewBeat(pub Publisher, entries []Periodic, logger *slog.Logger) (*Beat, error) {
	b := &Beat{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		pub:    pub,
		logger: logger,
	}
	for _, e := range entries {
		e := e
		if _, err := b.cron.AddFunc(e.Schedule, func() { b.fire(e) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", e.Name, e.Schedule, err)
		}
	}
	return b, nil
}

func (b *Beat) fire(e Periodic) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.pub.Publish(ctx, e.Name, e.Kwargs); err != nil {
		b.logger.Error("publish periodic task", "task", e.Name, "error", err)
		return
	}
	b.logger.Debug("published periodic task", "task", e.Name)
}

// Run starts the schedule and blocks until ctx is done.
func (b *Beat) Run(ctx context.Context) error {
	b.cron.Start()
	<-ctx.Done()
	<-b.cron.Stop().Done()
	return ctx.Err()
}

// Entries returns the number of registered periodic tasks.
func (b *Beat) Entries() int {
	return len(b.cron.Entries())
}
