package scheduler

import (
	"context"
	"fmt"
	"time"

	"afiss_backend/internal/calibration/repository"
	"afiss_backend/platform/config"
	"afiss_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Scheduler enqueues calibration runs on the configured cron schedule.
type Scheduler struct {
	scheduler *asynq.Scheduler
	spec      string
	queue     string
	log       *logger.Logger
}

func NewScheduler(cfg config.SchedulerConfig, log *logger.Logger) (*Scheduler, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	spec := cfg.GetCalibrationCron()
	if spec == "" {
		return nil, fmt.Errorf("calibration cron not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		spec:  spec,
		queue: queueName(cfg),
		log:   log,
	}
	s.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				s.log.Warn("scheduled calibration enqueue failed", "error", err)
				return
			}
			s.log.Info("scheduled calibration enqueued", "taskId", info.ID)
		},
	})
	return s, nil
}

// Register adds the calibration cron entry and returns its id.
func (s *Scheduler) Register() (string, error) {
	task, err := NewCalibrationRunTask(CalibrationRunPayload{Trigger: repository.TriggerScheduled})
	if err != nil {
		return "", err
	}
	return s.scheduler.Register(s.spec, task, asynq.Queue(s.queue), asynq.Unique(uniqueWindow), asynq.MaxRetry(3))
}

func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.scheduler == nil {
		return
	}
	if err := s.scheduler.Start(); err != nil {
		s.log.Error("calibration scheduler stopped", "error", err)
		return
	}
	<-ctx.Done()
	s.scheduler.Shutdown()
}
