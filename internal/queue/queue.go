// Package queue implements the stage queues on Redis lists. Push is
// LPUSH guarded by a length cap, pop is BRPOP across a priority list
// of queues, so the wire contract is shared with any other client of
// the same Redis instance.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Redis implements pipeline.Queue on a Redis client.
type Redis struct {
	client *redis.Client
	cap    int64
}

// NewRedis wraps the client. cap <= 0 disables the length guard.
func NewRedis(client *redis.Client, cap int64) *Redis {
	return &Redis{client: client, cap: cap}
}

// Push appends a message, failing with pipeline.ErrQueueFull when the
// list is at or above the configured cap.
func (r *Redis) Push(ctx context.Context, queue string, payload any) error {
	if r.cap > 0 {
		n, err := r.client.LLen(ctx, queue).Result()
		if err != nil {
			return fmt.Errorf("queue len %s: %w", queue, err)
		}
		if n >= r.cap {
			return fmt.Errorf("%s: %w", queue, pipeline.ErrQueueFull)
		}
	}
	body, err := encode(payload)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}

// Pop blocks on the given queues in priority order. A timeout with no
// message returns ("", nil, nil).
func (r *Redis) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error) {
	res, err := r.client.BRPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("pop %v: %w", queues, err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("pop %v: unexpected reply of %d parts", queues, len(res))
	}
	return res[0], []byte(res[1]), nil
}

// PushDead appends a dead letter. Dead queues are never capped; losing
// the letter would lose the only copy of the failed message.
func (r *Redis) PushDead(ctx context.Context, queue string, letter pipeline.DeadLetter) error {
	body, err := encode(letter)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("push dead %s: %w", queue, err)
	}
	return nil
}

// Len reports the current queue depth.
func (r *Redis) Len(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", queue, err)
	}
	return n, nil
}

func encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}
	return body, nil
}
