package queue

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// ErrBadPayload marks a queue payload that cannot be turned into a job.
var ErrBadPayload = errors.New("malformed job payload")

// Encode serializes job with MessagePack.
func Encode(job types.Job) ([]byte, error) {
	if job.SchemaVersion == 0 {
		job.SchemaVersion = types.JobSchemaVersion
	}
	data, err := msgpack.Marshal(&job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// Decode parses a payload and rejects unknown schema versions and jobs
// without a correlation id.
func Decode(data []byte) (types.Job, error) {
	var job types.Job
	if err := msgpack.Unmarshal(data, &job); err != nil {
		return types.Job{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if job.SchemaVersion != types.JobSchemaVersion {
		return types.Job{}, fmt.Errorf("%w: schema version %d", ErrBadPayload, job.SchemaVersion)
	}
	if job.CorrelationID == "" {
		return types.Job{}, fmt.Errorf("%w: missing correlation id", ErrBadPayload)
	}
	return job, nil
}
