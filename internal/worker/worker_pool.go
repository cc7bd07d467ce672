// ============================================================================
// Render Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the render worker goroutines and feeds them from the queue
//
// Architecture:
//   ┌─────────────┐
//   │ JobSource   │ --Consume()--> fetch loop --Submit()--> taskCh (unbuffered)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh (buffered)
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Because taskCh is unbuffered the fetch loop takes a job off the queue only
// when a worker is ready for it; jobs wait in the queue, not in the process.
//
// Lifecycle:
//   1. NewPool()    - create the pool
//   2. Start(n)     - start n workers and the fetch loop
//   3. Submit(job)  - hand a job to a worker directly, bypassing the source
//   4. ReceiveResult() - read results
//   5. Stop()       - stop fetching, finish in-flight jobs, exit
//
// Graceful shutdown:
//   1. cancel the fetch loop and wait for it
//   2. take the send lock so no Submit is mid-send, close taskCh
//   3. wait for workers to finish their current job
//   4. close resultCh
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/memegen-pipeline/internal/metrics"
	"github.com/ChuLiYu/memegen-pipeline/internal/queue"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Defaults for PoolConfig.
const (
	DefaultJobTimeout   = 30 * time.Second
	DefaultResultBuffer = 64
	fetchRetryDelay     = 500 * time.Millisecond
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	JobTimeout   time.Duration // per-job deadline
	ResultBuffer int           // capacity of the result channel
}

// Pool runs render workers.
type Pool struct {
	source    JobSource
	processor JobProcessor
	cfg       PoolConfig
	metrics   *metrics.Collector
	log       *slog.Logger

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup // workers
	fetchWg  sync.WaitGroup // fetch loop
	cancel   context.CancelFunc
	sendMu   sync.RWMutex // held for reading while sending on taskCh
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool. source may be nil, in which case jobs are only
// accepted through Submit.
func NewPool(source JobSource, processor JobProcessor, cfg PoolConfig, m *metrics.Collector, logger *slog.Logger) *Pool {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = DefaultResultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:    source,
		processor: processor,
		cfg:       cfg,
		metrics:   m,
		log:       logger.With("component", "worker_pool"),
		workers:   make([]*Worker, 0),
		taskCh:    make(chan Task),
		resultCh:  make(chan Result, cfg.ResultBuffer),
		stopCh:    make(chan struct{}),
	}
}

// Start starts workerCount workers and, if a source is set, the fetch loop.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.processor, p.metrics, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if p.source != nil {
		p.fetchWg.Add(1)
		go p.fetchLoop(ctx)
	}

	p.started = true
	p.log.Info("Worker pool started", "workers", workerCount, "job_timeout", p.cfg.JobTimeout)
	return nil
}

// fetchLoop moves jobs from the source to the workers.
func (p *Pool) fetchLoop(ctx context.Context) {
	defer p.fetchWg.Done()

	for ctx.Err() == nil {
		job, err := p.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.log.Warn("Failed to consume job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		// taskCh stays open and workers keep running until this loop has
		// exited, so a job taken off the queue is always handed over
		p.taskCh <- Task{Job: job, Timeout: p.cfg.JobTimeout}
	}
}

// Submit hands job to a worker, blocking until one accepts it.
func (p *Pool) Submit(job types.Job) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	p.taskCh <- Task{Job: job, Timeout: p.cfg.JobTimeout}
	return nil
}

// ReceiveResult blocks until a result is available.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop stops fetching and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.fetchWg.Wait()

	close(p.stopCh)
	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	p.log.Info("Worker pool stopped")
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
