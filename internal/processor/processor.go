package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/prom"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
	"github.com/nimasrn/outreach-gateway/pkg/worker"
)

const HealthInterval = time.Second * 30
const MetricsInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// resultGrace bounds how long a cancelled handler waits for the worker that
// already owns its message.
const resultGrace = 10 * time.Second

// ServiceConfig sizes one ProcessorService. Consumers and Workers default to
// one, which is what the send pipeline runs with.
type ServiceConfig struct {
	Queue             queue.QueueConfig
	Consumers         int
	Workers           int
	ProcessingTimeout time.Duration
	LagWarning        int64
}

// ProcessorService feeds queue messages through a worker pool into a Processor.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	queues    []*queue.Queue
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

// Processor handles one decoded queue message.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

func NewProcessorService(adapter redis.RedisAdapter, config ServiceConfig) (*ProcessorService, error) {
	if config.Queue.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = 30 * time.Second
	}
	if config.LagWarning <= 0 {
		config.LagWarning = 10_000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter: adapter,
		config:  config,
		metrics: NewServiceMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker.NewWorkerManager(config.Workers, config.Workers, nil),
	}, nil
}

func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType(), "queue", s.config.Queue.Name)
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

func (s *ProcessorService) Start() error {
	if s.processor == nil {
		return fmt.Errorf("no processor registered for queue %s", s.config.Queue.Name)
	}
	logger.Info("Starting processor service", "type", s.processor.GetType())

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Info("Worker manager stopped", "type", s.processor.GetType(), "reason", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		queueConfig := s.config.Queue
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Processor service started",
		"type", s.processor.GetType(),
		"queue", s.config.Queue.Name,
		"consumers", len(s.queues),
		"workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.Snapshot()
	logger.Info("Service metrics",
		"type", s.processor.GetType(),
		"total_processed", stats.Processed,
		"total_failed", stats.Failed,
		"rate_per_second", stats.RatePerSec,
		"avg_duration_ms", stats.AvgDuration.Milliseconds(),
		"uptime_seconds", stats.Uptime.Seconds())

	for i, q := range s.queues {
		if qStats, err := q.GetStats(context.Background()); err == nil {
			logger.Info("Queue stats",
				"queue", q.Name(),
				"instance", i,
				"total", qStats.TotalMessages,
				"pending", qStats.PendingMessages,
				"delayed", qStats.DelayedMessages)
			prom.SetQueueDepth(q.Name(), "total", qStats.TotalMessages)
			prom.SetQueueDepth(q.Name(), "pending", qStats.PendingMessages)
			prom.SetQueueDepth(q.Name(), "delayed", qStats.DelayedMessages)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("Health check failed: redis unreachable", "error", err)
		return
	}

	for _, q := range s.queues {
		stats, err := q.GetStats(ctx)
		if err != nil {
			logger.Warn("Health check: queue stats unavailable", "queue", q.Name(), "error", err)
			continue
		}
		if stats.PendingMessages > s.config.LagWarning {
			logger.Warn("Health check: queue lag is high", "queue", q.Name(), "pending_messages", stats.PendingMessages)
		}
	}
}

// Stop cancels in-flight work and waits for the consumers to drain.
func (s *ProcessorService) Stop() {
	logger.Info("Shutting down processor service", "queue", s.config.Queue.Name)

	s.cancel()

	stopChan := make(chan bool, len(s.queues))
	for _, q := range s.queues {
		go func(q *queue.Queue) {
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("Error stopping queue", "queue", q.Name(), "error", err)
			}
			stopChan <- true
		}(q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(ShutdownTimeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor service stopped", "queue", s.config.Queue.Name)
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler hands the message to the pool and blocks until a worker
// reports back, so the queue settles it only once it is really done.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	if !s.worker.Enqueue(&jobResult{msg: msg, resultChan: resultChan, ctx: msgCtx}) {
		return fmt.Errorf("worker pool stopped")
	}

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
	}

	// the worker may already own the message
	select {
	case err := <-resultChan:
		return err
	case <-time.After(resultGrace):
		return fmt.Errorf("timeout waiting for worker to process message: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	if err := jobRes.ctx.Err(); err != nil {
		jobRes.resultChan <- err
		return
	}

	start := time.Now()
	err := s.processor.Process(jobRes.ctx, jobRes.msg)
	if err != nil {
		s.metrics.RecordFailure()
		logger.Warn("Failed to process message",
			"type", s.processor.GetType(),
			"worker", workerIndex,
			"id", jobRes.msg.ID,
			"attempt", jobRes.msg.Attempt(),
			"error", err)
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// buffered, never blocks
	jobRes.resultChan <- err
}
