package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed = errors.New("message already processed")
	// ErrLockAcquireFailed means another process holds the lock.
	ErrLockAcquireFailed = errors.New("failed to acquire processing lock")
)

type IdempotencyConfig struct {
	// LockTTL must outlive the longest jitter sleep plus the transport call.
	LockTTL time.Duration

	ProcessedTTL time.Duration

	LockKeyPrefix string

	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            75 * time.Minute,
		ProcessedTTL:       7 * 24 * time.Hour,
		LockKeyPrefix:      "send:lock:",
		ProcessedKeyPrefix: "send:processed:",
	}
}

// IdempotencyService keeps two processes from sending the same message.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

type ProcessingContext struct {
	MessageID    string
	lockAcquired bool
}

func (pc *ProcessingContext) Held() bool {
	return pc != nil && pc.lockAcquired
}

func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, messageID string) (*ProcessingContext, error) {
	processed, err := s.IsProcessed(ctx, messageID)
	if err != nil {
		// the status check on the message row still guards against resends
		logger.Warn("Failed to check processed status", "message_id", messageID, "error", err)
	} else if processed {
		return nil, ErrAlreadyProcessed
	}

	lockKey := s.config.LockKeyPrefix + messageID
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := s.redis.SetNX(ctx, lockKey, lockValue, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("Processing lock acquired", "message_id", messageID, "lock_ttl", s.config.LockTTL)

	return &ProcessingContext{
		MessageID:    messageID,
		lockAcquired: true,
	}, nil
}

// MarkSuccess records the message as sent and drops the lock.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	processedKey := s.config.ProcessedKeyPrefix + pc.MessageID
	if err := s.redis.Set(ctx, processedKey, []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("failed to mark as processed: %w", err)
	}
	return s.ReleaseLock(ctx, pc)
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if !pc.Held() {
		return nil
	}

	lockKey := s.config.LockKeyPrefix + pc.MessageID
	if err := s.redis.Del(ctx, lockKey); err != nil {
		logger.Warn("Failed to release lock", "message_id", pc.MessageID, "error", err)
		return err
	}

	pc.lockAcquired = false
	return nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	processedKey := s.config.ProcessedKeyPrefix + messageID
	exists, err := s.redis.Exist(ctx, processedKey)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
