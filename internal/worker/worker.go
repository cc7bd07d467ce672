// ============================================================================
// Render Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that processes render jobs, each Worker runs in an
// independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Process the job under its own timeout
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ ProcessJob(task.Job)    │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each job gets a fresh context.WithTimeout derived from the background
//   context, so stopping the fetch loop never cancels a job in flight.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/memegen-pipeline/internal/metrics"
)

// Worker represents a work execution unit
type Worker struct {
	id        int           // Worker unique identifier, used for logging
	taskCh    <-chan Task   // Task channel (read-only)
	resultCh  chan<- Result // Result channel (write-only)
	processor JobProcessor  // runs the job
	metrics   *metrics.Collector
	log       *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, processor JobProcessor, m *metrics.Collector, logger *slog.Logger) *Worker {
	return &Worker{
		id:        id,
		taskCh:    taskCh,
		resultCh:  resultCh,
		processor: processor,
		metrics:   m,
		log:       logger.With("worker_id", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)

		select {
		case w.resultCh <- result:
		default:
			w.log.Debug("Result channel full, dropping result", "correlation_id", result.CorrelationID)
		}
	}
}

func (w *Worker) execute(task Task) Result {
	w.metrics.WorkerBusy(1)
	defer w.metrics.WorkerBusy(-1)

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()
	return w.processor.ProcessJob(ctx, task.Job)
}
