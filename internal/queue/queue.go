// Package queue carries job references between the enqueuer and the worker
// over a Redis list. Producers LPUSH and the consumer RPOPs, so the list is
// FIFO and every pop is atomic on the server; two consumers never receive
// the same reference. Delivery is at-least-once: the worker pushes a
// reference back when it cannot finish with it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PulseQueue/internal/models"
)

const DefaultName = "email_queue"

// promoteDue moves up to ARGV[2] members whose score is <= ARGV[1] from the
// delayed set onto the tail of the ready list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// queued reports 1 when ARGV[1] sits in the delayed set or on the ready
// list. Checking both in one script keeps a concurrent promote from hiding it.
var queued = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 1
end
for _, member in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
	if member == ARGV[1] then
		return 1
	end
end
return 0
`)

type Transport struct {
	client redis.Cmdable
	name   string
	log    *zap.Logger
}

func New(client redis.Cmdable, name string, log *zap.Logger) *Transport {
	if name == "" {
		name = DefaultName
	}
	return &Transport{client: client, name: name, log: log}
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) delayedKey() string { return t.name + ":delayed" }

// Push appends a reference to the ready list.
func (t *Transport) Push(ctx context.Context, ref models.QueueReference) error {
	data, err := ref.Marshal()
	if err != nil {
		return err
	}
	if err := t.client.LPush(ctx, t.name, data).Err(); err != nil {
		return fmt.Errorf("queue: push %s: %w", ref.JobID, err)
	}
	return nil
}

// PushDelayed parks a reference until at; PromoteDue makes it visible.
func (t *Transport) PushDelayed(ctx context.Context, ref models.QueueReference, at time.Time) error {
	data, err := ref.Marshal()
	if err != nil {
		return err
	}
	z := redis.Z{Score: float64(at.UnixMilli()), Member: string(data)}
	if err := t.client.ZAdd(ctx, t.delayedKey(), z).Err(); err != nil {
		return fmt.Errorf("queue: push delayed %s: %w", ref.JobID, err)
	}
	return nil
}

// PromoteDue moves at most max delayed references that are due at now onto
// the ready list and returns how many moved.
func (t *Transport) PromoteDue(ctx context.Context, now time.Time, max int) (int, error) {
	n, err := promoteDue.Run(ctx, t.client, []string{t.delayedKey(), t.name},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(max),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote due: %w", err)
	}
	return n, nil
}

// Pop removes up to n references from the head of the queue. Payloads that
// do not decode are logged and dropped; they can never resolve to a job.
func (t *Transport) Pop(ctx context.Context, n int) ([]models.QueueReference, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := t.client.RPopCount(ctx, t.name, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop: %w", err)
	}

	refs := make([]models.QueueReference, 0, len(raw))
	for _, item := range raw {
		ref, err := models.UnmarshalReference([]byte(item))
		if err != nil {
			t.log.Warn("dropping malformed queue payload",
				zap.String("queue", t.name),
				zap.String("payload", item),
				zap.Error(err),
			)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Requeue puts references back at the head of the queue in their original
// order, so they are the next ones popped.
func (t *Transport) Requeue(ctx context.Context, refs []models.QueueReference) error {
	if len(refs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		data, err := refs[i].Marshal()
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	if err := t.client.RPush(ctx, t.name, values...).Err(); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// Queued reports whether ref is still waiting, either ready or delayed.
// It scans the ready list, so it belongs on the slow recovery path only.
func (t *Transport) Queued(ctx context.Context, ref models.QueueReference) (bool, error) {
	data, err := ref.Marshal()
	if err != nil {
		return false, err
	}
	n, err := queued.Run(ctx, t.client, []string{t.delayedKey(), t.name}, string(data)).Int()
	if err != nil {
		return false, fmt.Errorf("queue: lookup %s: %w", ref.JobID, err)
	}
	return n == 1, nil
}

// Len is the number of references ready to pop.
func (t *Transport) Len(ctx context.Context) (int64, error) {
	n, err := t.client.LLen(ctx, t.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

// DelayedLen is the number of references waiting on a retry delay.
func (t *Transport) DelayedLen(ctx context.Context) (int64, error) {
	n, err := t.client.ZCard(ctx, t.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: delayed len: %w", err)
	}
	return n, nil
}
