package mcp

import (
	"sync"
	"time"
)

// callLimiter enforces a per-agent calls-per-minute budget using fixed
// minute buckets keyed by (agentID, minute index). Buckets older than two
// minutes are pruned on each check so the map stays bounded by the number of
// active agents.
type callLimiter struct {
	mu      sync.Mutex
	limit   int
	buckets map[bucketKey]int
	now     func() time.Time
}

type bucketKey struct {
	agentID string
	minute  int64
}

func newCallLimiter(callsPerMinute int) *callLimiter {
	return &callLimiter{
		limit:   callsPerMinute,
		buckets: make(map[bucketKey]int),
		now:     time.Now,
	}
}

// allow records one call attempt for the agent and reports whether it fits
// the current minute's budget. A zero or negative limit disables limiting.
func (l *callLimiter) allow(agentID string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	minute := l.now().Unix() / 60
	for k := range l.buckets {
		if k.minute < minute-1 {
			delete(l.buckets, k)
		}
	}

	key := bucketKey{agentID: agentID, minute: minute}
	if l.buckets[key] >= l.limit {
		return false
	}
	l.buckets[key]++
	return true
}
