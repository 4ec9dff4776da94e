package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/boardauthz/internal/audit"
	jobmetrics "github.com/odyssey-erp/boardauthz/internal/jobs"
)

// DenialReporter lists denial hotspots from the audit log.
type DenialReporter interface {
	RepeatedDenials(ctx context.Context, since time.Time, threshold int) ([]audit.DenialHotspot, error)
}

// DenialScanJob looks for subjects repeatedly denied on the same menu.
type DenialScanJob struct {
	Reporter DenialReporter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewDenialScanJob initialises the denial scan handler.
func NewDenialScanJob(reporter DenialReporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *DenialScanJob {
	return &DenialScanJob{
		Reporter: reporter,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the denial scan logic.
func (j *DenialScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reporter == nil {
		return errors.New("denial scan: handler not configured")
	}
	var payload DenialScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Window <= 0 {
		payload.Window = time.Hour
	}
	if payload.Threshold <= 0 {
		payload.Threshold = 10
	}

	start := j.now()
	tracker := j.metrics().Track(TaskDenialScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Duration("window", payload.Window),
		slog.Int("threshold", payload.Threshold),
	)
	logger.Info("starting denial scan")

	hotspots, err := j.Reporter.RepeatedDenials(ctx, start.Add(-payload.Window), payload.Threshold)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, h := range hotspots {
		logger.Warn("repeated denials detected",
			slog.String("subject_id", h.SubjectID),
			slog.String("menu_code", h.MenuCode),
			slog.Int("denials", h.Denials),
			slog.Time("last_at", h.LastAt),
		)
		j.metrics().AddRepeatedDenials(h.MenuCode, 1)
	}

	logger.Info("completed denial scan",
		slog.Int("hotspots", len(hotspots)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *DenialScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDenialScan))
	}
	return slog.Default().With(slog.String("job", TaskDenialScan))
}

func (j *DenialScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DenialScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
