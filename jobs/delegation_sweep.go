package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/boardauthz/internal/delegation"
	jobmetrics "github.com/odyssey-erp/boardauthz/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Sweeper flips expired delegations and returns the rows it changed.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) ([]delegation.Delegation, error)
}

// SubjectInvalidator drops cached decisions for subjects.
type SubjectInvalidator interface {
	Subjects(ctx context.Context, subjects []string, menus []string) int
}

// IdempotencyCleaner prunes old idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DelegationSweepConfig wires the sweep job.
type DelegationSweepConfig struct {
	Sweeper     Sweeper
	Invalidator SubjectInvalidator
	Idempotency IdempotencyCleaner
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// DelegationSweepJob expires delegations in bulk. Resolution never depends on
// it; the resolver already ignores rows outside their window.
type DelegationSweepJob struct {
	sweeper     Sweeper
	invalidator SubjectInvalidator
	idempotency IdempotencyCleaner
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewDelegationSweepJob initialises the sweep handler.
func NewDelegationSweepJob(cfg DelegationSweepConfig) *DelegationSweepJob {
	return &DelegationSweepJob{
		sweeper:     cfg.Sweeper,
		invalidator: cfg.Invalidator,
		idempotency: cfg.Idempotency,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *DelegationSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.sweeper == nil {
		return errors.New("delegation sweep: handler not configured")
	}
	var payload DelegationSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.clock()
	tracker := j.jobMetrics().Track(TaskDelegationSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.log()

	flipped, err := j.sweeper.SweepExpired(ctx, start)
	if err != nil {
		logger.Error("sweep failed", slog.Any("error", err))
		return err
	}

	invalidated := 0
	if j.invalidator != nil {
		for _, d := range flipped {
			invalidated += j.invalidator.Subjects(ctx, []string{d.DelegateID}, []string{d.MenuCode})
		}
	}
	j.jobMetrics().AddExpired(len(flipped))

	var pruned int64
	if j.idempotency != nil && payload.IdempotencyRetention > 0 {
		pruned, err = j.idempotency.Cleanup(ctx, payload.IdempotencyRetention)
		if err != nil {
			logger.Warn("idempotency cleanup", slog.Any("error", err))
		}
	}

	logger.Info("completed delegation sweep",
		slog.Int("expired", len(flipped)),
		slog.Int("invalidated", invalidated),
		slog.Int64("idempotency_pruned", pruned),
		slog.Duration("duration", j.clock().Sub(start)),
	)
	return nil
}

func (j *DelegationSweepJob) log() *slog.Logger {
	if j.logger != nil {
		return j.logger.With(slog.String("job", TaskDelegationSweep))
	}
	return slog.Default().With(slog.String("job", TaskDelegationSweep))
}

func (j *DelegationSweepJob) jobMetrics() *jobmetrics.Metrics {
	if j.metrics != nil {
		return j.metrics
	}
	return defaultJobMetrics
}
