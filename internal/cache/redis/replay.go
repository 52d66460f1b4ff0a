package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// replayPending marks an envelope id whose action is still running.
const replayPending = "pending"

// replayPendingTTL bounds how long a crashed process can hold an id before
// a redelivery may run it again.
const replayPendingTTL = 30 * time.Second

// ReplayStore records action envelope ids with SET NX so that a redelivered
// envelope runs once across every server process.
type ReplayStore struct {
	c *Client
}

func NewReplayStore(c *Client) *ReplayStore {
	return &ReplayStore{c: c}
}

// Reserve claims id. When the id is taken, prior is the stored response or
// nil while its action is still running.
func (s *ReplayStore) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, []byte, error) {
	key := s.c.Key("replay:" + id)
	pending := replayPendingTTL
	if ttl < pending {
		pending = ttl
	}

	ok, err := s.c.rdb.SetNX(ctx, key, replayPending, pending).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis: reserve %s: %w", id, err)
	}
	if ok {
		return true, nil, nil
	}

	val, err := s.c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; report it as running so the hub
		// retries rather than running it here.
		return false, nil, nil
	case err != nil:
		return false, nil, fmt.Errorf("redis: read replay %s: %w", id, err)
	case string(val) == replayPending:
		return false, nil, nil
	}
	return false, val, nil
}

// Complete stores the response for id for ttl.
func (s *ReplayStore) Complete(ctx context.Context, id string, resp []byte, ttl time.Duration) error {
	if err := s.c.rdb.Set(ctx, s.c.Key("replay:"+id), resp, ttl).Err(); err != nil {
		return fmt.Errorf("redis: store replay %s: %w", id, err)
	}
	return nil
}

// Release forgets id so a later delivery runs the action.
func (s *ReplayStore) Release(ctx context.Context, id string) error {
	if err := s.c.rdb.Del(ctx, s.c.Key("replay:"+id)).Err(); err != nil {
		return fmt.Errorf("redis: release replay %s: %w", id, err)
	}
	return nil
}
