package actionhub

import (
	"context"
	"sync"
	"time"
)

// SharedReplay records envelope ids across processes. Reserve claims id for
// the caller; when another process holds it, reserved is false and prior is
// the stored response, or nil while that process is still running it.
type SharedReplay interface {
	Reserve(ctx context.Context, id string, ttl time.Duration) (reserved bool, prior []byte, err error)
	Complete(ctx context.Context, id string, resp []byte, ttl time.Duration) error
	Release(ctx context.Context, id string) error
}

// replayCache remembers the response to each envelope id for ttl so that a
// redelivered action answers the same way without running again. An id is
// claimed before its action runs, so a concurrent duplicate waits for the
// first response instead of running the action a second time.
type replayCache struct {
	mu    sync.Mutex
	seen  map[string]*replayEntry
	ttl   time.Duration
	now   func() time.Time
	sweep time.Time
}

type replayEntry struct {
	resp Response
	at   time.Time
	// done is closed when the owning dispatch finishes.
	done    chan struct{}
	running bool
}

func newReplayCache(ttl time.Duration, now func() time.Time) *replayCache {
	return &replayCache{seen: make(map[string]*replayEntry), ttl: ttl, now: now}
}

// begin claims id. It returns owner=true when the caller must run the action
// and then call finish. Otherwise it returns either the stored response
// (wait is nil) or a channel that closes when the running dispatch ends.
func (c *replayCache) begin(id string) (resp Response, wait <-chan struct{}, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[id]; ok {
		if e.running {
			return Response{}, e.done, false
		}
		if c.now().Sub(e.at) < c.ttl {
			return e.resp, nil, false
		}
	}
	c.seen[id] = &replayEntry{done: make(chan struct{}), running: true}
	return Response{}, nil, true
}

// finish ends the claim on id. With keep the response is stored for
// replay; otherwise the id is forgotten and a later delivery runs again.
// Expired entries are dropped at most once per ttl.
func (c *replayCache) finish(id string, resp Response, keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[id]
	if !ok || !e.running {
		return
	}
	now := c.now()
	e.running = false
	close(e.done)
	if keep {
		e.resp, e.at = resp, now
	} else {
		delete(c.seen, id)
	}

	if now.Sub(c.sweep) < c.ttl {
		return
	}
	c.sweep = now
	for k, e := range c.seen {
		if !e.running && now.Sub(e.at) >= c.ttl {
			delete(c.seen, k)
		}
	}
}
