package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the manifest check on a cron schedule such as "@every 1h".
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(spec string, checker *Checker, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{cron: cron.New(), logger: logger}
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := checker.Check(context.Background()); err != nil {
			logger.Warn("scheduled update check failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid update schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running check to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
