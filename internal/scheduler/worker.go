package scheduler

import (
	"context"
	"fmt"

	"afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/calibration/service"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/config"
	"afiss_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// CycleRunner runs calibration cycles.
type CycleRunner interface {
	RunCycle(ctx context.Context, opts service.RunOptions) (repository.Cycle, error)
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner CycleRunner
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, runner CycleRunner, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 2
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		runner: runner,
		log:    log,
	}

	mux.HandleFunc(TaskCalibrationRunCycle, w.handleRunCycle)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

// handleRunCycle runs one cycle. A cycle already in progress is not an
// error worth retrying; the running cycle covers the same outcomes.
func (w *Worker) handleRunCycle(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCalibrationRunPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	trigger := payload.Trigger
	if trigger == "" {
		trigger = repository.TriggerScheduled
	}

	cycle, err := w.runner.RunCycle(ctx, service.RunOptions{ResumeCycle: payload.ResumeCycle, Trigger: trigger})
	if apperr.HasCode(err, apperr.CodeCalibrationInProgress) {
		w.log.Info("calibration already running, skipping task", "trigger", trigger)
		return nil
	}
	if apperr.Is(err, apperr.KindNotFound) || apperr.Is(err, apperr.KindConflict) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		return err
	}

	w.log.Info("calibration task finished",
		"cycle", cycle.Number,
		"adjusted", len(cycle.WeightDeltas),
		"skipped", len(cycle.Skipped),
		"failures", len(cycle.Failures),
	)
	return nil
}
