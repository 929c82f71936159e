package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swifttrack/platform/internal/repository"
	"github.com/swifttrack/platform/pkg/logger"
)

// RetentionJob moves processed outbox rows older than the retention window
// into the archive table on a cron schedule.
type RetentionJob struct {
	repo      repository.OutboxRepository
	retention time.Duration
	schedule  string
	logger    *logger.Logger
	cron      *cron.Cron
}

func NewRetentionJob(repo repository.OutboxRepository, retention time.Duration, schedule string, log *logger.Logger) *RetentionJob {
	return &RetentionJob{
		repo:      repo,
		retention: retention,
		schedule:  schedule,
		logger:    log,
		cron:      cron.New(),
	}
}

func (j *RetentionJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, j.runOnce)
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("retention job scheduled", "schedule", j.schedule)
	return nil
}

func (j *RetentionJob) Stop() {
	<-j.cron.Stop().Done()
}

func (j *RetentionJob) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.retention)
	moved, err := j.repo.ArchiveProcessedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error(err, "outbox archival failed")
		return
	}
	j.logger.Info("archived processed outbox events",
		"moved", moved,
		"cutoff", cutoff.Format(time.RFC3339),
	)
}
