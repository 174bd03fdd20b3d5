package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypePrefix    = "notification:"
	defaultTaskQueue  = "notifications"
	defaultTaskRetry  = 5
	asynqClientPrefix = "asynq"
)

// LogSink writes intents to the structured log. Used when no queue is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, intent Intent) error {
	s.logger.Info("notification intent",
		zap.String("kind", string(intent.Kind)),
		zap.String("recipient_id", intent.RecipientID),
		zap.String("conversation_id", intent.ConversationID),
		zap.String("entity_id", intent.EntityID))
	return nil
}

// AsynqSink enqueues each intent as an asynq task for an out-of-process notifier.
type AsynqSink struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// AsynqSinkConfig configures an AsynqSink.
type AsynqSinkConfig struct {
	RedisURL string
	Queue    string
	MaxRetry int
}

func NewAsynqSink(cfg AsynqSinkConfig) (*AsynqSink, error) {
	if cfg.RedisURL == "" {
		return nil, errors.New("asynq: redis url is required")
	}
	options, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse redis url: %w", asynqClientPrefix, err)
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultTaskQueue
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultTaskRetry
	}
	return &AsynqSink{client: asynq.NewClient(options), queue: queue, maxRetry: maxRetry}, nil
}

func (s *AsynqSink) Deliver(ctx context.Context, intent Intent) error {
	task, err := newTask(intent)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task, asynq.Queue(s.queue), asynq.MaxRetry(s.maxRetry))
	return err
}

func (s *AsynqSink) Close() error {
	return s.client.Close()
}

func newTask(intent Intent) (*asynq.Task, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("%s: encode intent: %w", asynqClientPrefix, err)
	}
	return asynq.NewTask(taskTypePrefix+string(intent.Kind), payload), nil
}
