package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/clock"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSettlementRetry = "settlement_retry"
	JobVoucherExpiry   = "voucher_expiry"
	JobEventReplay     = "event_replay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// SettlementRetrier is the part of the settlement service the sweeper drives.
type SettlementRetrier interface {
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]paymentdomain.SettlementTask, error)
	RetryTask(ctx context.Context, task paymentdomain.SettlementTask) error
}

// VoucherExpirer marks lapsed user vouchers as expired.
type VoucherExpirer interface {
	ExpireUserVouchers(ctx context.Context, now time.Time, limit int) (int64, error)
}

// EventReplayer settles webhook events that were acknowledged but not finished.
type EventReplayer interface {
	ReplayUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) (int, error)
}

// JobLocker keeps a job to one process across the fleet.
type JobLocker interface {
	Acquire(ctx context.Context, job string) (string, bool, error)
	Release(ctx context.Context, job, token string) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Settlement SettlementRetrier
	Vouchers   voucherdomain.Service
	Events     EventReplayer `optional:"true"`
	Lock       JobLocker     `optional:"true"`
	Config     Config        `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	settlement SettlementRetrier
	vouchers   VoucherExpirer
	events     EventReplayer
	lock       JobLocker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Settlement == nil || p.Vouchers == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		settlement: p.Settlement,
		vouchers:   p.Vouchers,
		events:     p.Events,
		lock:       p.Lock,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	if s.lock != nil {
		token, acquired, err := s.lock.Acquire(ctx, name)
		if err != nil {
			schedMetrics.IncJobError(name, err)
			return fmt.Errorf("%s: acquire lock: %w", name, err)
		}
		if !acquired {
			schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			return nil
		}
		defer func() {
			if err := s.lock.Release(context.Background(), name, token); err != nil {
				s.log.Warn("scheduler.lock.release_failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.failed == 0 {
			run.fail()
		}
		s.endRun(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: unfinished work is picked up next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobSettlementRetry, s.SettlementRetryJob},
		{JobVoucherExpiry, s.VoucherExpiryJob},
		{JobEventReplay, s.EventReplayJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// SettlementRetryJob reruns deferred settlement side effects that are due.
// Each task is retried at most once per sweep.
func (s *Scheduler) SettlementRetryJob(ctx context.Context) error {
	ctx, run, owner := s.beginRun(ctx, JobSettlementRetry, s.cfg.BatchSize)
	if owner {
		defer s.endRun(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for i := 0; i < s.cfg.MaxRetryRuns; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lockStart := time.Now()
		tasks, err := s.settlement.ClaimDueTasks(ctx, now, s.cfg.BatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSettlementTasks, time.Since(lockStart))
		if err != nil {
			s.reportError(ctx, run, "scheduler.task.claim.failed", err)
			return errors.Join(jobErr, err)
		}
		if len(tasks) == 0 {
			if i == 0 {
				schedMetrics.IncBatchDeferred(JobSettlementRetry, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			break
		}

		processed := 0
		for _, task := range tasks {
			taskCtx := taskContext(ctx, task)
			s.logger(taskCtx).Debug("scheduler.task.claimed",
				zap.String("task_id", task.ID.String()),
				zap.String("kind", string(task.Kind)),
				zap.Int("attempts", task.Attempts),
			)
			if err := s.settlement.RetryTask(taskCtx, task); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.reportError(taskCtx, run, "scheduler.task.retry.failed", err,
					zap.String("task_id", task.ID.String()),
					zap.String("kind", string(task.Kind)),
				)
				continue
			}
			processed++
		}
		run.record(processed)
		schedMetrics.AddBatchProcessed(JobSettlementRetry, "settlement_task", processed)
		if len(tasks) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

// VoucherExpiryJob expires owned vouchers whose validity window has closed.
func (s *Scheduler) VoucherExpiryJob(ctx context.Context) error {
	ctx, run, owner := s.beginRun(ctx, JobVoucherExpiry, s.cfg.BatchSize)
	if owner {
		defer s.endRun(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lockStart := time.Now()
		expired, err := s.vouchers.ExpireUserVouchers(ctx, now, s.cfg.BatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceUserVouchers, time.Since(lockStart))
		if err != nil {
			s.reportError(ctx, run, "scheduler.voucher.expire.failed", err)
			return err
		}
		run.record(int(expired))
		schedMetrics.AddBatchProcessed(JobVoucherExpiry, "user_voucher", int(expired))
		if expired < int64(s.cfg.BatchSize) {
			return nil
		}
	}
}

// EventReplayJob settles webhook events that were recorded and acknowledged
// but not processed, e.g. after a database error during settlement.
func (s *Scheduler) EventReplayJob(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	ctx, run, owner := s.beginRun(ctx, JobEventReplay, s.cfg.BatchSize)
	if owner {
		defer s.endRun(ctx, run)
	}
	before := s.clock.Now().Add(-s.cfg.ReplayAfter)

	replayed, err := s.events.ReplayUnprocessed(ctx, before, s.cfg.BatchSize)
	run.record(replayed)
	obsmetrics.Scheduler().AddBatchProcessed(JobEventReplay, "payment_event", replayed)
	if err != nil {
		s.reportError(ctx, run, "scheduler.event.replay.failed", err)
		return err
	}
	return nil
}
