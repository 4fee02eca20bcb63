package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/internal/monitoring"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/metrics"
)

const (
	defaultSweepSpec     = "@every 1m"
	defaultAuditSpec     = "@every 5m"
	defaultRetentionSpec = "@daily"
	defaultJobTimeout    = 30 * time.Second

	// JobPresenceSweep purges stale presence members across all rooms.
	JobPresenceSweep = "presence_sweep"
	// JobRoomAudit reconciles room gauges with the local broadcast fabric.
	JobRoomAudit = "room_audit"
	// JobAuditRetention deletes audit trail entries past the retention window.
	JobAuditRetention = "audit_retention"
)

// RoomLister exposes the rooms held by the local broadcast fabric.
type RoomLister interface {
	Rooms() []string
}

// AuditPruner removes audit entries older than a retention window.
type AuditPruner interface {
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Cleaner coordinates background maintenance for the collaboration layer: stale
// presence purging, room bookkeeping and audit retention.
type Cleaner struct {
	sweeper presence.Sweeper
	rooms   RoomLister
	cron    *cron.Cron
	tracker *monitoring.JobTracker
	log     *zap.Logger
	timeout time.Duration

	pruner    AuditPruner
	retention time.Duration

	sweepSchedule     string
	auditSchedule     string
	retentionSchedule string
}

type job struct {
	name     string
	schedule string
	fn       func(context.Context) error
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithTracker records job outcomes for the maintenance health check.
func WithTracker(tracker *monitoring.JobTracker) Option {
	return func(cleaner *Cleaner) {
		if tracker != nil {
			cleaner.tracker = tracker
		}
	}
}

// WithSweepSchedule overrides the cron specification for the presence sweep.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for the room audit.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithAuditRetention enables pruning of audit entries older than retention.
func WithAuditRetention(pruner AuditPruner, retention time.Duration) Option {
	return func(cleaner *Cleaner) {
		if pruner != nil && retention > 0 {
			cleaner.pruner = pruner
			cleaner.retention = retention
		}
	}
}

// WithRetentionSchedule overrides the cron specification for audit pruning.
func WithRetentionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.retentionSchedule = spec
		}
	}
}

// WithJobTimeout bounds a single job execution.
func WithJobTimeout(timeout time.Duration) Option {
	return func(cleaner *Cleaner) {
		if timeout > 0 {
			cleaner.timeout = timeout
		}
	}
}

// NewCleaner constructs a Cleaner. A nil sweeper or room lister skips the matching job.
func NewCleaner(sweeper presence.Sweeper, rooms RoomLister, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sweeper:           sweeper,
		rooms:             rooms,
		timeout:           defaultJobTimeout,
		sweepSchedule:     defaultSweepSpec,
		auditSchedule:     defaultAuditSpec,
		retentionSchedule: defaultRetentionSpec,
		log:               logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	if cleaner.tracker == nil {
		cleaner.tracker = monitoring.NewJobTracker()
	}

	return cleaner
}

// Tracker returns the job tracker receiving run outcomes.
func (c *Cleaner) Tracker() *monitoring.JobTracker {
	return c.tracker
}

// Start registers maintenance jobs with the cron scheduler and launches it if at least one job is enabled.
func (c *Cleaner) Start() error {
	jobs := c.jobs()
	if len(jobs) == 0 {
		return nil
	}

	for _, j := range jobs {
		c.tracker.Register(j.name)
		if _, err := c.cron.AddFunc(j.schedule, func() {
			if err := c.run(j.name, j.fn); err != nil {
				c.log.Warn("maintenance job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured jobs sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, j := range c.jobs() {
		errs = multierr.Append(errs, c.runWith(ctx, j.name, j.fn))
	}
	return errs
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.sweeper != nil {
		jobs = append(jobs, job{name: JobPresenceSweep, schedule: c.sweepSchedule, fn: c.sweepPresence})
	}
	if c.rooms != nil {
		jobs = append(jobs, job{name: JobRoomAudit, schedule: c.auditSchedule, fn: c.auditRooms})
	}
	if c.pruner != nil {
		jobs = append(jobs, job{name: JobAuditRetention, schedule: c.retentionSchedule, fn: c.pruneAudit})
	}
	return jobs
}

func (c *Cleaner) run(job string, fn func(context.Context) error) error {
	return c.runWith(context.Background(), job, fn)
}

func (c *Cleaner) runWith(ctx context.Context, job string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	c.tracker.Record(job, err, time.Since(start))
	return err
}

func (c *Cleaner) sweepPresence(ctx context.Context) error {
	purged, err := c.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		c.log.Info("purged stale presence members", zap.Int("count", purged))
	}
	return nil
}

func (c *Cleaner) auditRooms(context.Context) error {
	rooms := c.rooms.Rooms()
	metrics.ActiveRooms.Set(float64(len(rooms)))
	c.log.Debug("room audit", zap.Int("rooms", len(rooms)))
	return nil
}

func (c *Cleaner) pruneAudit(ctx context.Context) error {
	removed, err := c.pruner.CleanupOlderThan(ctx, c.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.log.Info("pruned audit entries", zap.Int64("count", removed))
	}
	return nil
}
