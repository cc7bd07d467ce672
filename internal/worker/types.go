package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Outcome classifies how a job ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"       // artifact written, record completed
	OutcomeFailed         Outcome = "failed"          // record marked failed
	OutcomeDuplicate      Outcome = "duplicate"       // record was already terminal, nothing done
	OutcomeIntegrityFault Outcome = "integrity_fault" // no record for the correlation id
	OutcomeError          Outcome = "error"           // record could not be read or updated
)

// Task is one job handed to a worker.
type Task struct {
	Job     types.Job     // job payload
	Timeout time.Duration // per-job processing deadline
}

// Result is the outcome of one task.
type Result struct {
	CorrelationID string        // job correlation id
	Outcome       Outcome       // how the job ended
	Message       string        // message written to the record, if any
	Error         error         // cause for failed, integrity_fault and error outcomes
	Duration      time.Duration // processing time
}

// Success reports whether the job produced an artifact.
func (r Result) Success() bool { return r.Outcome == OutcomeCompleted }

// JobProcessor runs one job to completion.
type JobProcessor interface {
	ProcessJob(ctx context.Context, job types.Job) Result
}
