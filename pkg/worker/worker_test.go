package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManager_ProcessesJobs(t *testing.T) {
	w := NewWorkerManager(10, 3, nil)

	var sum atomic.Int64
	var wg sync.WaitGroup
	w.SetWorker(func(_ int, job interface{}) {
		sum.Add(int64(job.(int)))
		wg.Done()
	})

	done := make(chan error, 1)
	go func() { done <- w.Start() }()

	for i := 1; i <= 10; i++ {
		wg.Add(1)
		require.True(t, w.Enqueue(i))
	}
	wg.Wait()
	assert.Equal(t, int64(55), sum.Load())

	w.Exit()
	w.Exit()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}

	assert.False(t, w.Enqueue(11))
}

func TestWorkerManager_SingleWorkerSerializes(t *testing.T) {
	w := NewWorkerManager(1, 1, nil)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	w.SetWorker(func(_ int, _ interface{}) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		wg.Done()
	})
	go func() { _ = w.Start() }()
	defer w.Exit()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		w.Enqueue(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}
