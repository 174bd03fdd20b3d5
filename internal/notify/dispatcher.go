package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultQueueSize       = 256
	defaultWorkers         = 2
	defaultDeliveryTimeout = 5 * time.Second
)

var errMissingSink = errors.New("notify: sink required")

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Sink            Sink
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// Dispatcher queues intents and delivers them on background workers.
type Dispatcher struct {
	sink            Sink
	queue           chan Intent
	deliveryTimeout time.Duration
	logger          *zap.Logger
	metrics         *metrics.Collector

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := &Dispatcher{
		sink:            cfg.Sink,
		queue:           make(chan Intent, queueSize),
		deliveryTimeout: timeout,
		logger:          logger,
		metrics:         cfg.Metrics,
	}
	for index := 0; index < workers; index++ {
		dispatcher.workers.Add(1)
		go dispatcher.work()
	}
	return dispatcher, nil
}

// Emit enqueues the intent. Invalid intents, a full queue, or a closed dispatcher drop it.
func (d *Dispatcher) Emit(_ context.Context, intent Intent) {
	if err := intent.Validate(); err != nil {
		d.logger.Warn("notification intent rejected", zap.Error(err), zap.String("kind", string(intent.Kind)))
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification intent after close", zap.String("kind", string(intent.Kind)))
		return
	}
	select {
	case d.queue <- intent:
	default:
		d.metrics.NotificationFailed()
		d.logger.Warn("notification queue full",
			zap.String("kind", string(intent.Kind)),
			zap.String("recipient_id", intent.RecipientID))
	}
}

// Close stops accepting intents and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.workers.Wait()
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for intent := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
		err := d.sink.Deliver(ctx, intent)
		cancel()
		if err != nil {
			d.metrics.NotificationFailed()
			d.logger.Error("notification delivery failed",
				zap.Error(err),
				zap.String("kind", string(intent.Kind)),
				zap.String("recipient_id", intent.RecipientID),
				zap.String("entity_id", intent.EntityID))
		}
	}
}
