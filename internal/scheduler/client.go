package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"afiss_backend/platform/apperr"
	"afiss_backend/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// uniqueWindow collapses duplicate enqueues of the same run request.
const uniqueWindow = 10 * time.Minute

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueCycle schedules a calibration run on the worker queue.
func (c *Client) EnqueueCycle(ctx context.Context, trigger string, resumeCycle *int) (string, string, error) {
	if c == nil || c.client == nil {
		return "", "", fmt.Errorf("scheduler client not configured")
	}

	task, err := NewCalibrationRunTask(CalibrationRunPayload{Trigger: trigger, ResumeCycle: resumeCycle})
	if err != nil {
		return "", "", err
	}

	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.Unique(uniqueWindow), asynq.MaxRetry(3))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", "", apperr.Wrap(apperr.KindConflict, "an identical calibration run is already queued", err).
			WithCode(apperr.CodeCalibrationInProgress)
	}
	if err != nil {
		return "", "", err
	}
	return info.ID, info.Queue, nil
}

func queueName(cfg config.SchedulerConfig) string {
	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}
	return queue
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
