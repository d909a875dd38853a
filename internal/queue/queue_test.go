package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// unique connection name per test; adapters are cached globally by name
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func testConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      20 * time.Millisecond,
		RetryBackoff:      20 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

type attemptLog struct {
	mu       sync.Mutex
	attempts []int
}

func (l *attemptLog) add(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, n)
	return len(l.attempts)
}

func (l *attemptLog) snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.attempts...)
}

func TestQueue_PublishAndConsume(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	queue, err := NewQueue(adapter, testConfig("test:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	_, err = queue.PublishJSON(ctx, map[string]string{"key": "value"}, map[string]string{"type": "test"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}))

	select {
	case msg := <-received:
		var data map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "value", data["key"])
		assert.Equal(t, "test", msg.Metadata["type"])
		assert.Equal(t, 1, msg.Attempt())
		assert.Equal(t, 3, msg.MaxAttempts)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestQueue_DeferKeepsAttempts(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	queue, err := NewQueue(adapter, testConfig("test:defer:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.Publish(context.Background(), []byte(`{"job":1}`), nil)
	require.NoError(t, err)

	log := &attemptLog{}
	done := make(chan struct{})
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		if log.add(msg.Attempt()) == 1 {
			return msg.Defer(ctx, time.Now().Add(100*time.Millisecond))
		}
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("deferred message never redelivered")
	}

	assert.Equal(t, []int{1, 1}, log.snapshot())
	dlq, err := queue.DeadLetterCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dlq)
}

func TestQueue_RetryWithBackoffThenDeadLetter(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	queue, err := NewQueue(adapter, testConfig("test:retry:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.Publish(context.Background(), []byte(`{"job":"retry"}`), nil)
	require.NoError(t, err)

	log := &attemptLog{}
	lastSeen := make(chan bool, 3)
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		log.add(msg.Attempt())
		lastSeen <- msg.IsLastAttempt()
		return errors.New("provider unavailable")
	}))

	require.Eventually(t, func() bool {
		n, err := queue.DeadLetterCount(context.Background())
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, []int{1, 2, 3}, log.snapshot())
	assert.False(t, <-lastSeen)
	assert.False(t, <-lastSeen)
	assert.True(t, <-lastSeen)

	stats, err := queue.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Zero(t, stats.DelayedMessages)
}

func TestQueue_ReclaimedFinalAttemptReachesHandler(t *testing.T) {
	tests := []struct {
		name       string
		deliveries int
		wantCalls  []int
	}{
		{"final delivery lost once", 1, []int{3}},
		{"final delivery lost twice", 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, adapter := setupTestRedis(t)
			defer mr.Close()

			cfg := testConfig("test:reclaim:queue")
			cfg.VisibilityTimeout = 50 * time.Millisecond
			queue, err := NewQueue(adapter, cfg)
			require.NoError(t, err)
			defer queue.Stop(time.Second)

			ctx := context.Background()
			id, err := queue.add(ctx, []byte(`{"job":"last"}`), nil, cfg.MaxRetries-1)
			require.NoError(t, err)

			// a consumer that died mid-delivery
			_, err = adapter.XReadGroup(ctx, cfg.ConsumerGroup, "crashed", cfg.Name, ">", 1)
			require.NoError(t, err)
			for i := 1; i < tt.deliveries; i++ {
				_, err = adapter.XClaim(ctx, cfg.Name, cfg.ConsumerGroup, "crashed", 0, id)
				require.NoError(t, err)
			}

			log := &attemptLog{}
			require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
				log.add(msg.Attempt())
				assert.True(t, msg.IsLastAttempt())
				return errors.New("provider unavailable")
			}))

			require.Eventually(t, func() bool {
				n, err := queue.DeadLetterCount(ctx)
				return err == nil && n == 1
			}, 3*time.Second, 20*time.Millisecond)

			assert.Equal(t, tt.wantCalls, log.snapshot())
		})
	}
}

func TestQueue_PermanentErrorSkipsRetry(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	queue, err := NewQueue(adapter, testConfig("test:permanent:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.Publish(context.Background(), []byte(`{}`), nil)
	require.NoError(t, err)

	log := &attemptLog{}
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		log.add(msg.Attempt())
		return Permanent(errors.New("template missing"))
	}))

	require.Eventually(t, func() bool {
		n, err := queue.DeadLetterCount(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1}, log.snapshot())
}

func TestQueue_PromoteDue(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	queue, err := NewQueue(adapter, testConfig("test:delayed:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	require.NoError(t, queue.PublishAt(ctx, []byte(`{"a":1}`), map[string]string{"k": "v"}, at))
	require.NoError(t, queue.PublishAt(ctx, []byte(`{"a":1}`), nil, at))

	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.DelayedMessages)
	assert.Zero(t, stats.TotalMessages)

	n, err := queue.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = queue.PromoteDue(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err = queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.DelayedMessages)
	assert.Equal(t, int64(2), stats.TotalMessages)
}

func TestMessage_SettleOnce(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	queue, err := NewQueue(adapter, testConfig("test:ack:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	msgID, err := queue.Publish(context.Background(), []byte(`{"test":"data"}`), nil)
	require.NoError(t, err)

	msg := &Message{ID: msgID, queue: queue, MaxAttempts: 3}
	require.NoError(t, msg.Ack())
	assert.Error(t, msg.Ack())
	assert.Error(t, msg.Nack())
	assert.Error(t, msg.Defer(context.Background(), time.Now()))
}

type permanentJobErr struct{}

func (permanentJobErr) Error() string   { return "contact has no address" }
func (permanentJobErr) Permanent() bool { return true }

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.True(t, IsPermanent(Permanent(errors.New("bad payload"))))
	assert.True(t, IsPermanent(permanentJobErr{}))
	assert.Nil(t, Permanent(nil))
}

func TestNewQueue_Defaults(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)

	q, err := NewQueue(adapter, QueueConfig{Name: "defaults"})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	assert.Equal(t, 3, q.MaxRetries())
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 4*time.Second, q.backoff(3))
}
