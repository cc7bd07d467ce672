package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

func testJob(id string) types.Job {
	return types.NewJob(id, "caption "+id, "tpl", types.DefaultRenderConfig())
}

// ============================================================================
// Codec
// ============================================================================

func TestCodecRoundTrip(t *testing.T) {
	job := testJob("abc")
	data, err := Encode(job)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestCodecUsesWireFieldNames(t *testing.T) {
	data, err := Encode(testJob("abc"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Contains(t, raw, "correlationId")
	assert.Contains(t, raw, "renderConfig")
	assert.Contains(t, raw, "schemaVersion")
}

func TestCodecRejectsUnknownVersion(t *testing.T) {
	job := testJob("abc")
	job.SchemaVersion = 2
	data, err := msgpack.Marshal(&job)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = Decode([]byte("not msgpack"))
	assert.ErrorIs(t, err, ErrBadPayload)
}

// ============================================================================
// Memory
// ============================================================================

func TestMemoryFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish(ctx, testJob(fmt.Sprintf("j%d", i))))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		job, err := q.Consume(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("j%d", i), job.CorrelationID)
	}
}

func TestMemoryConsumeBlocksUntilPublish(t *testing.T) {
	q := NewMemory()
	got := make(chan types.Job, 1)

	go func() {
		job, err := q.Consume(context.Background())
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Publish(context.Background(), testJob("late")))

	select {
	case job := <-got:
		assert.Equal(t, "late", job.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestMemoryConsumeHonoursContextAndClose(t *testing.T) {
	q := NewMemory()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Consume(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	q.PublishRaw([]byte("garbage"))
	require.NoError(t, q.Publish(ctx, testJob("ok")))

	job, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", job.CorrelationID)
	assert.Len(t, q.DeadLetters(), 1)
}

func TestMemoryConcurrentConsumers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := NewMemory()

	const n = 50
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Consume(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.CorrelationID]++
				done := len(seen) == n
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Publish(context.Background(), testJob(fmt.Sprintf("j%d", i))))
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s delivered more than once", id)
	}
}

// ============================================================================
// Redis
// ============================================================================

func newRedisQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisConfig{Key: "test:jobs"}), mr
}

func TestRedisPublishConsume(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	require.NoError(t, q.Publish(ctx, testJob("first")))
	require.NoError(t, q.Publish(ctx, testJob("second")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", job.CorrelationID)

	job, err = q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", job.CorrelationID)
}

func TestRedisDeadLettersUndecodable(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisQueue(t)

	_, err := mr.Lpush("test:jobs", "garbage")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, testJob("ok")))

	job, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", job.CorrelationID)

	dead, err := mr.List("test:jobs:dead")
	require.NoError(t, err)
	assert.Equal(t, []string{"garbage"}, dead)
}

func TestRedisPublishUnavailable(t *testing.T) {
	q, mr := newRedisQueue(t)
	mr.Close()

	err := q.Publish(context.Background(), testJob("x"))
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}
