package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/lorekeep/lorekeep/internal/shared"
)

const (
	// TaskAuditPrune trims old audit log entries.
	TaskAuditPrune = "audit:prune"
)

// AuditPrunePayload sets the retention window in days.
type AuditPrunePayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewAuditPruneTask builds an audit retention task.
func NewAuditPruneTask(payload AuditPrunePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, body, asynq.Queue(QueueDefault)), nil
}

// AuditPruneJob enforces the audit log retention window.
type AuditPruneJob struct {
	Audit  *shared.AuditLogger
	Logger *slog.Logger
}

// NewAuditPruneJob initialises the prune handler.
func NewAuditPruneJob(audit *shared.AuditLogger, logger *slog.Logger) *AuditPruneJob {
	return &AuditPruneJob{Audit: audit, Logger: logger}
}

// Handle executes the prune.
func (j *AuditPruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Audit == nil {
		return errors.New("audit prune: handler not configured")
	}
	var payload AuditPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = 90
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -payload.RetentionDays)
	removed, err := j.Audit.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if j.Logger != nil {
		j.Logger.Info("audit prune complete",
			slog.Int("retention_days", payload.RetentionDays),
			slog.Int64("removed", removed),
		)
	}
	return nil
}
