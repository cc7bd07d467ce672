package queue

import (
	"context"
	"sync"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Memory is an in-process FIFO. Jobs are stored encoded so that the codec is
// exercised the same way as with a remote broker.
type Memory struct {
	mu     sync.Mutex
	items  [][]byte
	dead   [][]byte
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (m *Memory) Publish(_ context.Context, job types.Job) error {
	data, err := Encode(job)
	if err != nil {
		return err
	}
	m.PublishRaw(data)
	return nil
}

// PublishRaw appends an already encoded payload.
func (m *Memory) PublishRaw(data []byte) {
	m.mu.Lock()
	m.items = append(m.items, data)
	m.mu.Unlock()
	m.notify()
}

func (m *Memory) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) Consume(ctx context.Context) (types.Job, error) {
	for {
		m.mu.Lock()
		for len(m.items) > 0 {
			data := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]

			job, err := Decode(data)
			if err != nil {
				m.dead = append(m.dead, data)
				continue
			}
			remaining := len(m.items)
			m.mu.Unlock()
			if remaining > 0 {
				// wake another consumer for the rest
				m.notify()
			}
			return job, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		case <-m.closed:
			return types.Job{}, ErrClosed
		case <-m.signal:
		}
	}
}

// Len returns the number of queued payloads.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// DeadLetters returns the payloads that failed to decode.
func (m *Memory) DeadLetters() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.dead...)
}

// Close wakes blocked consumers with ErrClosed.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

var _ Queue = (*Memory)(nil)
