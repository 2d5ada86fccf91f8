package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/bookpay/internal/observability/context"
	obslogger "github.com/smallbiznis/bookpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"go.uber.org/zap"
)

// jobRun tracks one execution of a job. Its run ID doubles as the
// correlation ID, so events published by a retried settlement can be traced
// back to the sweep that retried it.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	failed    int
}

type jobRunKey struct{}

func (r *jobRun) record(processed int) {
	if r != nil && processed > 0 {
		r.processed += processed
	}
}

func (r *jobRun) fail() {
	if r != nil {
		r.failed++
	}
}

// beginRun attaches a jobRun to ctx. The boolean is false when ctx already
// carries one, i.e. the job was invoked from within runJob.
func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithCorrelationID(ctx, run.runID)
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", batchSize),
	)
	return ctx, run, true
}

func (s *Scheduler) endRun(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.failed),
	}
	if run.failed > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// reportError counts the failure against the run and logs it with its
// scheduler error classification.
func (s *Scheduler) reportError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	run.fail()
	fields = append(fields,
		zap.String("job", run.job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
	s.logger(ctx).Error(msg, fields...)
}

// taskContext tags ctx with the booking the settlement task belongs to.
func taskContext(ctx context.Context, task paymentdomain.SettlementTask) context.Context {
	if task.BookingID == 0 {
		return ctx
	}
	return obscontext.WithBookingID(ctx, task.BookingID.String())
}
