// ============================================================================
// Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The abstraction the pool fetches jobs from.
//
// The pool only consumes, so it depends on this narrow interface rather than
// on the full queue. Both queue backends satisfy it:
//
//   - Standalone Mode: queue.Memory shared with the in-process coordinator.
//   - Distributed Mode: queue.Redis shared with remote coordinators.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/memegen-pipeline/internal/queue"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// JobSource yields jobs to process.
type JobSource interface {
	// Consume blocks until a job is available or ctx is done.
	Consume(ctx context.Context) (types.Job, error)
}

var _ JobSource = queue.Queue(nil)
