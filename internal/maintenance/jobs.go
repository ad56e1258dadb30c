package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/flemzord/lanlink/internal/trust"
)

// EventPruneJob deletes security events older than Retention.
type EventPruneJob struct {
	Store        *trust.Store
	Retention    time.Duration
	Logger       *slog.Logger
	ScheduleExpr string
}

var _ Job = (*EventPruneJob)(nil)

// Name implements Job.
func (j *EventPruneJob) Name() string { return "security_event_prune" }

// Schedule implements Job.
func (j *EventPruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 3 * * *"
}

// Run implements Job.
func (j *EventPruneJob) Run(context.Context) error {
	pruned, err := j.Store.PruneEvents(j.Retention)
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.Logger.Info("pruned security events", "count", pruned)
	}
	return nil
}

// CheckpointJob compacts the trust database WAL.
type CheckpointJob struct {
	Store        *trust.Store
	Logger       *slog.Logger
	ScheduleExpr string
}

var _ Job = (*CheckpointJob)(nil)

// Name implements Job.
func (j *CheckpointJob) Name() string { return "trust_store_checkpoint" }

// Schedule implements Job.
func (j *CheckpointJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "30 3 * * 0"
}

// Run implements Job.
func (j *CheckpointJob) Run(context.Context) error {
	return j.Store.Checkpoint()
}
