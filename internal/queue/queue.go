// ============================================================================
// Job queue
// ============================================================================
//
// Package: internal/queue
// Function: Carries render jobs from the coordinator to render workers.
//
// Delivery:
//   At-least-once. A job may be consumed more than once after a crash; the
//   worker's conditional record transition makes redelivery a no-op.
//
// Backends:
//   - Memory: in-process FIFO for standalone mode and tests
//   - Redis:  LPUSH / BRPOP list shared between processes
//
// Payloads are MessagePack encoded (codec.go). A payload that cannot be
// decoded is moved to a dead-letter list and never handed to a worker.
//
// ============================================================================

package queue

import (
	"context"
	"errors"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// ErrClosed is returned by Consume after the queue is closed.
var ErrClosed = errors.New("queue is closed")

// Queue is the publish/consume capability.
type Queue interface {
	Publish(ctx context.Context, job types.Job) error
	// Consume blocks until a job is available or ctx is done.
	Consume(ctx context.Context) (types.Job, error)
}
