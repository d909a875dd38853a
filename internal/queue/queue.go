package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
)

type Message struct {
	ID          string
	Data        []byte
	Metadata    map[string]string
	Timestamp   time.Time
	Attempts    int
	MaxAttempts int
	acked       bool
	nacked      bool
	deferred    bool
	queue       *Queue
}

// Attempt is the 1-based number of the current delivery.
func (m *Message) Attempt() int {
	return m.Attempts + 1
}

// IsLastAttempt reports whether a failure now exhausts the retry budget.
func (m *Message) IsLastAttempt() bool {
	return m.Attempt() >= m.MaxAttempts
}

func (m *Message) settled() bool {
	return m.acked || m.nacked || m.deferred
}

// Ack explicitly acknowledges the message (marks as successfully processed)
func (m *Message) Ack() error {
	if m.settled() {
		return fmt.Errorf("message already settled")
	}
	m.acked = true
	return m.queue.ackMessage(m.ID)
}

// Nack explicitly rejects the message. It stays pending and is reclaimed
// after the visibility timeout.
func (m *Message) Nack() error {
	if m.settled() {
		return fmt.Errorf("message already settled")
	}
	m.nacked = true
	return nil
}

// Defer hands the message back to the queue for delivery at until. The
// attempt counter is carried over unchanged.
func (m *Message) Defer(ctx context.Context, until time.Time) error {
	if m.settled() {
		return fmt.Errorf("message already settled")
	}
	if err := m.queue.schedule(ctx, m.Data, m.Metadata, m.Attempts, until); err != nil {
		return err
	}
	m.deferred = true
	return m.queue.ackMessage(m.ID)
}

// MessageHandler processes one message.
//   - nil: success, the message is acked unless the handler settled it.
//   - permanent error (see Permanent): dead-lettered without retry.
//   - any other error: re-delivered with exponential backoff until
//     MaxRetries deliveries have failed, then dead-lettered.
type MessageHandler func(ctx context.Context, msg *Message) error

type QueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	RetryBackoff      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Queue struct {
	adapter    redis.RedisAdapter
	config     QueueConfig
	handler    MessageHandler
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	processing map[string]*Message
	processed  atomic.Int64
	failed     atomic.Int64
}

type QueueStats struct {
	TotalMessages   int64
	PendingMessages int64
	DelayedMessages int64
	ProcessedCount  int64
	FailedCount     int64
	ConsumerCount   int64
}

// delayedEntry is the ZSET member for a scheduled delivery. ID keeps
// identical payloads from collapsing into one member.
type delayedEntry struct {
	ID       string            `json:"id"`
	Data     string            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Attempts int               `json:"attempts"`
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain opts out of retries.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// NewQueue creates a new queue instance
func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		adapter:    adapter,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		processing: make(map[string]*Message),
	}

	// the group usually exists already after the first start
	_ = q.adapter.XGroupCreateMkStream(ctx, config.Name, config.ConsumerGroup, "0")

	return q, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) MaxRetries() int {
	return q.config.MaxRetries
}

func (q *Queue) delayedKey() string {
	return q.config.Name + ":delayed"
}

func (q *Queue) dlqKey() string {
	return q.config.Name + ":dlq"
}

// Publish adds a message to the queue
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	return q.add(ctx, data, metadata, 0)
}

// PublishJSON publishes a JSON-encoded message
func (q *Queue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.Publish(ctx, jsonData, metadata)
}

// PublishAt schedules a message for delivery no earlier than at.
func (q *Queue) PublishAt(ctx context.Context, data []byte, metadata map[string]string, at time.Time) error {
	return q.schedule(ctx, data, metadata, 0, at)
}

func (q *Queue) add(ctx context.Context, data []byte, metadata map[string]string, attempts int) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"attempts":  attempts,
	}

	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := q.adapter.XAdd(ctx, q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(ctx, q.config.Name, q.config.MaxLen)
	}

	return id, nil
}

func (q *Queue) schedule(ctx context.Context, data []byte, metadata map[string]string, attempts int, at time.Time) error {
	member, err := json.Marshal(delayedEntry{
		ID:       uuid.NewString(),
		Data:     string(data),
		Metadata: metadata,
		Attempts: attempts,
	})
	if err != nil {
		return fmt.Errorf("failed to encode delayed message: %w", err)
	}
	if err := q.adapter.ZAdd(ctx, q.delayedKey(), float64(at.UnixMilli()), string(member)); err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}
	return nil
}

// PromoteDue moves every delayed message whose time has come onto the
// stream and returns how many were moved. Concurrent promoters are safe:
// only the one whose ZREM succeeds re-publishes a member.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.adapter.ZRangeByScore(ctx, q.delayedKey(), float64(now.UnixMilli()), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed messages: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.adapter.ZRem(ctx, q.delayedKey(), member)
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}

		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			logger.Error("dropping undecodable delayed message", "queue", q.config.Name, "error", err)
			continue
		}

		if _, err := q.add(ctx, []byte(entry.Data), entry.Metadata, entry.Attempts); err != nil {
			// put it back so the next tick retries the promotion
			_ = q.adapter.ZAdd(ctx, q.delayedKey(), float64(now.UnixMilli()), member)
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Consume starts the polling loop with the given handler.
func (q *Queue) Consume(handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	q.handler = handler
	q.wg.Add(1)

	go q.consumeLoop()

	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(q.ctx, time.Now()); err != nil {
				logger.Warn("delayed promotion failed", "queue", q.config.Name, "error", err)
			}
			q.processMessages()
			q.claimStuckMessages()
		}
	}
}

func (q *Queue) processMessages() {
	messages, err := q.adapter.XReadGroup(
		q.ctx,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.Name,
		">",
		q.config.BatchSize,
	)
	if err != nil {
		if q.ctx.Err() == nil {
			logger.Warn("stream read failed", "queue", q.config.Name, "error", err)
		}
		return
	}

	for _, streamMsg := range messages {
		if q.ctx.Err() != nil {
			return
		}
		q.handleMessage(q.streamMessageToMessage(streamMsg))
	}
}

func (q *Queue) claimStuckMessages() {
	pending, err := q.adapter.XPending(q.ctx, q.config.Name, q.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	pendingExt, err := q.adapter.XPendingExt(q.ctx, q.config.Name, q.config.ConsumerGroup, "-", "+", 100)
	if err != nil || len(pendingExt) == 0 {
		return
	}

	var idsToReclaim []string
	deliveries := make(map[string]int64, len(pendingExt))
	for _, msg := range pendingExt {
		if msg.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, msg.ID)
			deliveries[msg.ID] = msg.RetryCount
		}
	}

	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(
		q.ctx,
		q.config.Name,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.VisibilityTimeout,
		idsToReclaim...,
	)
	if err != nil {
		return
	}

	for _, streamMsg := range messages {
		msg := q.streamMessageToMessage(streamMsg)
		// every earlier delivery of this entry died without settling
		msg.Attempts += int(max(deliveries[msg.ID], 1))
		logger.Warn("reclaimed stuck message", "queue", q.config.Name, "id", msg.ID, "attempt", msg.Attempt())
		q.handleMessage(msg)
	}
}

func (q *Queue) handleMessage(msg *Message) {
	q.mu.Lock()
	q.processing[msg.ID] = msg
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.processing, msg.ID)
		q.mu.Unlock()
	}()

	switch {
	case msg.Attempts > q.config.MaxRetries:
		q.moveToDeadLetterQueue(msg, "max retries exceeded")
		_ = q.ackMessage(msg.ID)
		q.failed.Add(1)
		return
	case msg.Attempts == q.config.MaxRetries:
		// the final delivery was lost; replay it once so the handler can settle its record
		msg.Attempts = q.config.MaxRetries - 1
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	q.settle(ctx, msg, q.handler(ctx, msg))
}

func (q *Queue) settle(ctx context.Context, msg *Message, err error) {
	if err == nil {
		if !msg.settled() {
			if ackErr := q.ackMessage(msg.ID); ackErr != nil {
				logger.Error("ack failed", "queue", q.config.Name, "id", msg.ID, "error", ackErr)
			}
		}
		q.processed.Add(1)
		return
	}

	if msg.settled() {
		return
	}

	if IsPermanent(err) || msg.IsLastAttempt() {
		q.moveToDeadLetterQueue(msg, err.Error())
		_ = q.ackMessage(msg.ID)
		q.failed.Add(1)
		return
	}

	// a cancelled context still lets the retry be recorded
	retryCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	delay := q.backoff(msg.Attempt())
	if schedErr := q.schedule(retryCtx, msg.Data, msg.Metadata, msg.Attempt(), time.Now().Add(delay)); schedErr != nil {
		// leave the entry pending; the reclaim loop picks it up
		logger.Error("retry scheduling failed", "queue", q.config.Name, "id", msg.ID, "error", schedErr)
		return
	}
	_ = q.ackMessage(msg.ID)
	logger.Info("message scheduled for retry", "queue", q.config.Name, "id", msg.ID, "attempt", msg.Attempt(), "delay", delay)
}

// backoff returns RetryBackoff * 2^(failed-1).
func (q *Queue) backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	return q.config.RetryBackoff * time.Duration(1<<uint(failed-1))
}

func (q *Queue) ackMessage(messageID string) error {
	return q.adapter.XAck(context.Background(), q.config.Name, q.config.ConsumerGroup, messageID)
}

func (q *Queue) moveToDeadLetterQueue(msg *Message, reason string) {
	if !q.config.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		"data":           string(msg.Data),
		"original_id":    msg.ID,
		"attempts":       msg.Attempt(),
		"reason":         reason,
		"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
		"original_queue": q.config.Name,
	}

	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}

	if _, err := q.adapter.XAdd(context.Background(), q.dlqKey(), values); err != nil {
		logger.Error("dead-letter publish failed", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) streamMessageToMessage(streamMsg redis.StreamMessage) *Message {
	msg := &Message{
		ID:          streamMsg.ID,
		Metadata:    make(map[string]string),
		MaxAttempts: q.config.MaxRetries,
		queue:       q,
	}

	for k, v := range streamMsg.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "data":
			msg.Data = []byte(s)
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				msg.Timestamp = ts
			}
		case "attempts":
			if n, err := strconv.Atoi(s); err == nil {
				msg.Attempts = n
			}
		default:
			if len(k) > 5 && k[:5] == "meta_" {
				msg.Metadata[k[5:]] = s
			}
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return msg
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	totalMessages, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		TotalMessages:  totalMessages,
		ProcessedCount: q.processed.Load(),
		FailedCount:    q.failed.Load(),
	}

	if pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}

	if delayed, err := q.adapter.ZCard(ctx, q.delayedKey()); err == nil {
		stats.DelayedMessages = delayed
	}

	return stats, nil
}

// DeadLetterCount returns the length of the dead-letter stream.
func (q *Queue) DeadLetterCount(ctx context.Context) (int64, error) {
	return q.adapter.XLen(ctx, q.dlqKey())
}
