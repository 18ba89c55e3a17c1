package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount bounds lock contention; callers sharing one key contend on one
// shard while other keys proceed independently.
const shardCount = 64

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryLimiter is an in-process fixed-window limiter. State is ephemeral:
// losing it on restart degrades to momentarily permissive, never to
// permanently blocking.
type MemoryLimiter struct {
	shards [shardCount]shard
	burst  int

	// now is injectable for tests.
	now func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. burst is added on top of
// each key's limit within a window.
func NewMemoryLimiter(burst int) *MemoryLimiter {
	l := &MemoryLimiter{burst: burst, now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

// Admit implements Limiter.
func (l *MemoryLimiter) Admit(_ context.Context, keyID string, limitPerMinute int) (*Result, error) {
	now := l.now()
	start := windowStart(now)
	reset := start.Add(windowSeconds * time.Second)
	effective := limitPerMinute + l.burst

	s := &l.shards[shardIndex(keyID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[keyID]
	if w == nil || start.After(w.start) {
		// Window rollover is monotonic; a stale entry is replaced, never
		// rolled backward.
		w = &window{start: start}
		s.windows[keyID] = w
	}

	if w.count >= effective {
		return throttled(limitPerMinute, reset, now)
	}

	w.count++
	return &Result{
		Limit:     limitPerMinute,
		Remaining: effective - w.count,
		Reset:     reset,
	}, nil
}

func shardIndex(keyID string) int {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return int(h.Sum32() % shardCount)
}
