package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDelegationSweep flips delegations whose window has ended.
	TaskDelegationSweep = "delegation:sweep"
	// TaskDenialScan reports subjects repeatedly denied on the same menu.
	TaskDenialScan = "audit:denial_scan"
)

// DelegationSweepPayload tunes the sweep. IdempotencyRetention > 0 also
// prunes idempotency keys older than that.
type DelegationSweepPayload struct {
	IdempotencyRetention time.Duration `json:"idempotency_retention,omitempty"`
}

// NewDelegationSweepTask constructs the sweep task.
func NewDelegationSweepTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(DelegationSweepPayload{IdempotencyRetention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDelegationSweep, data), nil
}

// DenialScanPayload describes one repeated-denial scan.
type DenialScanPayload struct {
	Window    time.Duration `json:"window"`
	Threshold int           `json:"threshold"`
}

// NewDenialScanTask constructs the denial scan task.
func NewDenialScanTask(window time.Duration, threshold int) (*asynq.Task, error) {
	data, err := json.Marshal(DenialScanPayload{Window: window, Threshold: threshold})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDenialScan, data), nil
}
