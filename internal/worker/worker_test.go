package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, queue feeding,
// graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/memegen-pipeline/internal/queue"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// fakeProcessor sleeps for delay, honoring the job context.
type fakeProcessor struct {
	delay     time.Duration
	processed atomic.Int64
	inFlight  atomic.Int64
	maxSeen   atomic.Int64
}

func (p *fakeProcessor) ProcessJob(ctx context.Context, job types.Job) Result {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.maxSeen.Load()
		if n <= old || p.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}

	select {
	case <-time.After(p.delay):
		p.processed.Add(1)
		return Result{CorrelationID: job.CorrelationID, Outcome: OutcomeCompleted}
	case <-ctx.Done():
		return Result{CorrelationID: job.CorrelationID, Outcome: OutcomeFailed, Error: ctx.Err()}
	}
}

func testJob(i int) types.Job {
	return types.NewJob(fmt.Sprintf("job-%d", i), "caption", "tpl", types.DefaultRenderConfig())
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.Equal(t, DefaultJobTimeout, pool.cfg.JobTimeout)
	assert.Equal(t, DefaultResultBuffer, cap(pool.resultCh))
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)
	assert.Error(t, pool.Start(0))
	assert.False(t, pool.IsStarted())
}

// TestWorkerExecution tests Worker job execution
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{delay: time.Millisecond}, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(testJob(i)))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.CorrelationID] = result
	}
	assert.Len(t, results, taskCount)

	pool.Stop()
}

// TestTimeout tests job timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{delay: time.Second}, PoolConfig{JobTimeout: 5 * time.Millisecond}, nil, nil)
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(testJob(0)))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)

	pool.Stop()
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests concurrent execution
func TestConcurrency(t *testing.T) {
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	pool := NewPool(nil, proc, PoolConfig{ResultBuffer: 100}, nil, nil)
	workerCount := 8
	taskCount := 100
	require.NoError(t, pool.Start(workerCount))

	start := time.Now()
	go func() {
		for i := 0; i < taskCount; i++ {
			assert.NoError(t, pool.Submit(testJob(i)))
		}
	}()

	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success())
	}
	duration := time.Since(start)

	// serial execution would take 2s
	assert.Less(t, duration, time.Second)
	assert.LessOrEqual(t, proc.maxSeen.Load(), int64(workerCount))
	t.Logf("Processed %d tasks in %v with %d workers", taskCount, duration, workerCount)

	pool.Stop()
}

// TestConcurrentSubmit tests concurrent job submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{delay: time.Millisecond}, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(testJob(index)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	pool.Stop()
}

// ============================================================================
// Queue Feeding Tests
// ============================================================================

func TestPoolConsumesFromSource(t *testing.T) {
	q := queue.NewMemory()
	proc := &fakeProcessor{delay: time.Millisecond}
	pool := NewPool(q, proc, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(3))

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Publish(context.Background(), testJob(i)))
	}

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[result.CorrelationID] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 0, q.Len())

	pool.Stop()
}

func TestPoolLeavesJobsQueuedWhenWorkersBusy(t *testing.T) {
	q := queue.NewMemory()
	pool := NewPool(q, &fakeProcessor{delay: 200 * time.Millisecond}, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(1))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Publish(context.Background(), testJob(i)))
	}

	// one job running, at most one held by the fetch loop
	assert.Eventually(t, func() bool { return q.Len() == 3 }, time.Second, 5*time.Millisecond)

	pool.Stop()
	assert.GreaterOrEqual(t, q.Len(), 3)
}

func TestPoolStopsWhenSourceCloses(t *testing.T) {
	q := queue.NewMemory()
	pool := NewPool(q, &fakeProcessor{}, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(2))

	require.NoError(t, q.Close())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests that in-flight jobs finish before Stop returns
func TestGracefulShutdown(t *testing.T) {
	proc := &fakeProcessor{delay: 100 * time.Millisecond}
	pool := NewPool(nil, proc, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(testJob(i)))
	}

	pool.Stop()
	assert.Equal(t, int64(4), proc.processed.Load())

	count := 0
	for {
		if _, err := pool.ReceiveResult(); err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 4, count)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)
	pool.Stop()
	assert.False(t, pool.IsStarted())
}

// TestSubmitAfterStop tests submitting jobs after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(2))
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(testJob(0)), ErrPoolClosed)
}

// TestSubmitBeforeStart tests submitting jobs before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)
	assert.ErrorIs(t, pool.Submit(testJob(0)), ErrPoolNotStarted)
}

// TestReceiveResultAfterStop tests receiving results after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(nil, &fakeProcessor{}, PoolConfig{}, nil, nil)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestResultChannelFullDropsResult tests the non-blocking result send
func TestResultChannelFullDropsResult(t *testing.T) {
	proc := &fakeProcessor{}
	pool := NewPool(nil, proc, PoolConfig{ResultBuffer: 1}, nil, nil)
	require.NoError(t, pool.Start(1))

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(testJob(i)))
	}
	pool.Stop()

	assert.Equal(t, int64(3), proc.processed.Load())
	_, err := pool.ReceiveResult()
	require.NoError(t, err)
	_, err = pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}
