package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-student-changes/internal/models"
	"github.com/noah-isme/sma-student-changes/pkg/cache"
	"github.com/noah-isme/sma-student-changes/pkg/jobs"
)

const (
	// EffectJobType labels queue jobs that effect a due change request.
	EffectJobType = "student_change.effect"
	// SystemActorID is recorded as the actor of automatic transitions.
	SystemActorID = "system"

	dueSweepLockName = "due-sweep"
)

type dueChangeSource interface {
	DueChangeIDs(ctx context.Context, limit int) ([]string, error)
	Get(ctx context.Context, id string) (*models.StudentChange, error)
	Effect(ctx context.Context, id, actorID string) (*models.StudentChange, error)
}

type sweepLocker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*cache.Lease, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

type sweepRecorder interface {
	RecordSweep(result string, enqueued int)
}

// DueSweeperConfig tunes the sweep.
type DueSweeperConfig struct {
	Schedule  string
	BatchSize int
	LockTTL   time.Duration
	Timeout   time.Duration
}

// DueChangeSweeper periodically finds change requests whose effective date has
// passed and enqueues one effect job per request. A Redis lease keeps
// concurrent workers from sweeping at the same time.
type DueChangeSweeper struct {
	source   dueChangeSource
	locker   sweepLocker
	queue    jobEnqueuer
	recorder sweepRecorder
	cfg      DueSweeperConfig
	logger   *zap.Logger
}

// NewDueChangeSweeper builds a sweeper. locker and recorder may be nil.
func NewDueChangeSweeper(source dueChangeSource, locker sweepLocker, queue jobEnqueuer, recorder sweepRecorder, cfg DueSweeperConfig, logger *zap.Logger) *DueChangeSweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.LockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DueChangeSweeper{
		source:   source,
		locker:   locker,
		queue:    queue,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "due_sweeper")),
	}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (s *DueChangeSweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		if _, err := s.Sweep(sweepCtx); err != nil {
			s.logger.Error("due sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule due sweep %q: %w", s.cfg.Schedule, err)
	}

	s.logger.Info("due sweeper started", zap.String("schedule", s.cfg.Schedule), zap.Int("batch", s.cfg.BatchSize))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("due sweeper stopped")
	return nil
}

// Sweep runs one pass and returns how many jobs were enqueued. It returns
// zero without error when another worker holds the sweep lock.
func (s *DueChangeSweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		lease, err := s.locker.TryAcquire(ctx, dueSweepLockName, s.cfg.LockTTL)
		if err != nil {
			s.record("error", 0)
			return 0, err
		}
		if lease == nil {
			s.logger.Debug("due sweep skipped, lock held elsewhere")
			s.record("skipped", 0)
			return 0, nil
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				s.logger.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	ids, err := s.source.DueChangeIDs(ctx, s.cfg.BatchSize)
	if err != nil {
		s.record("error", 0)
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: EffectJobType, Key: id})
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, jobs.ErrAlreadyQueued):
			s.logger.Debug("effect already queued", zap.String("change_id", id))
		default:
			s.record("error", enqueued)
			return enqueued, fmt.Errorf("enqueue effect for %s: %w", id, err)
		}
	}

	if len(ids) > 0 {
		s.logger.Info("due sweep enqueued effects", zap.Int("due", len(ids)), zap.Int("enqueued", enqueued))
	}
	s.record("ok", enqueued)
	return enqueued, nil
}

// HandleEffectJob is the queue handler for effect jobs. Outcomes a retry cannot
// change are marked permanent so the queue drops them.
func (s *DueChangeSweeper) HandleEffectJob(ctx context.Context, job jobs.Job) error {
	current, err := s.source.Get(ctx, job.Key)
	if err != nil {
		if IsSkippableEffectError(err) {
			return jobs.Permanent(err)
		}
		return err
	}
	if current.Status == models.ChangeStatusEffected {
		s.logger.Debug("change request already effected, nothing to do",
			zap.String("change_id", current.ID),
			zap.Int("attempt", job.Attempt),
		)
		return nil
	}

	change, err := s.source.Effect(ctx, job.Key, SystemActorID)
	if err != nil {
		if IsSkippableEffectError(err) {
			return jobs.Permanent(err)
		}
		return err
	}
	s.logger.Info("change request effected by sweep",
		zap.String("change_id", change.ID),
		zap.String("status", string(change.Status)),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

func (s *DueChangeSweeper) record(result string, enqueued int) {
	if s.recorder != nil {
		s.recorder.RecordSweep(result, enqueued)
	}
}
