// Package queue carries grading tasks from the orchestrator to the worker
// pool. A popped task stays leased until it is acked; Reclaim returns tasks
// whose lease lapsed, so a task may be delivered more than once and
// consumers deduplicate by task key.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// GradingQueueKey is the Redis list shared by every worker process.
const GradingQueueKey = "queue:grading"

const (
	processingSuffix = ":processing"
	leasesSuffix     = ":leases"

	// popTimeout bounds each BLMOVE so a cancelled context is noticed promptly.
	popTimeout = time.Second

	defaultLease = time.Hour
)

// Task is one (submission, attempt, provider, model) unit of work.
type Task struct {
	JobID        uuid.UUID `json:"job_id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	Attempt      int       `json:"attempt"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	// Redeliveries counts how often the task was pushed back after its
	// result could not be recorded.
	Redeliveries int `json:"redeliveries,omitempty"`

	// payload is the encoded form Pop read; Ack removes exactly it.
	payload string
}

// Queue is a FIFO of tasks. Pop blocks until a task is available or ctx
// is done, in which case it returns ctx.Err(). A popped task is in flight
// until Ack; Reclaim pushes back in-flight tasks whose lease expired.
type Queue interface {
	Push(ctx context.Context, t Task) error
	Pop(ctx context.Context) (Task, error)
	Ack(ctx context.Context, t Task) error
	Reclaim(ctx context.Context) (int, error)
}

// RedisQueue is a list-backed queue. Pop moves a task onto a processing
// list (BLMOVE) and leases it; Ack drops it from there.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
	leases     string
	lease      time.Duration
	now        func() time.Time
}

// NewRedisQueue returns a queue whose popped tasks are redelivered by
// Reclaim when not acked within lease.
func NewRedisQueue(client *redis.Client, lease time.Duration) *RedisQueue {
	if lease <= 0 {
		lease = defaultLease
	}
	return &RedisQueue{
		client:     client,
		key:        GradingQueueKey,
		processing: GradingQueueKey + processingSuffix,
		leases:     GradingQueueKey + leasesSuffix,
		lease:      lease,
		now:        time.Now,
	}
}

func (q *RedisQueue) Push(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("pushing task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Task, error) {
	for {
		payload, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("popping task: %w", err)
		}

		deadline := q.now().Add(q.lease).UnixMilli()
		if err := q.client.HSet(context.WithoutCancel(ctx), q.leases, payload, deadline).Err(); err != nil {
			// Reclaim leases unleased entries on sight, so the task is not lost.
			return Task{}, fmt.Errorf("leasing task: %w", err)
		}

		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			q.drop(ctx, payload)
			return Task{}, fmt.Errorf("decoding task: %w", err)
		}
		t.payload = payload
		return t, nil
	}
}

// Ack removes a popped task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, t Task) error {
	if t.payload == "" {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, t.payload)
		pipe.HDel(ctx, q.leases, t.payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("acking task: %w", err)
	}
	return nil
}

// reclaimScript requeues processing entries whose lease has passed. An
// entry without a lease was popped by a consumer that has not leased it
// yet (or died doing so); it gets a fresh lease instead.
var reclaimScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local n = 0
for _, item in ipairs(items) do
	local deadline = redis.call('HGET', KEYS[3], item)
	if not deadline then
		redis.call('HSET', KEYS[3], item, ARGV[2])
	elseif tonumber(deadline) <= tonumber(ARGV[1]) then
		redis.call('LREM', KEYS[1], 1, item)
		redis.call('HDEL', KEYS[3], item)
		redis.call('RPUSH', KEYS[2], item)
		n = n + 1
	end
end
return n
`)

// Reclaim moves tasks whose consumer never acked them back to the head of
// the queue and reports how many it moved.
func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	now := q.now()
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.processing, q.key, q.leases},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaiming tasks: %w", err)
	}
	return n, nil
}

// InFlight reports the number of popped, unacked tasks.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processing).Result()
}

// drop discards an undecodable payload so it is not reclaimed forever.
func (q *RedisQueue) drop(ctx context.Context, payload string) {
	_ = q.Ack(context.WithoutCancel(ctx), Task{payload: payload})
}

// Len reports the number of queued tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// MemoryQueue is an unbounded in-process FIFO. Its tasks do not outlive
// the process, so there is nothing to lease: Ack and Reclaim are no-ops.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Task
	ready chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ready: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Push(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *MemoryQueue) Ack(context.Context, Task) error { return nil }

func (q *MemoryQueue) Reclaim(context.Context) (int, error) { return 0, nil }

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
