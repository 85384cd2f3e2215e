package github

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gh "github.com/google/go-github/v68/github"
)

// rateLimitGuard enforces the reserve discipline: every response's
// X-RateLimit headers are tracked, and once remaining drops below the
// reserve, calls serialize through the mutex and sleep until reset plus
// a one second buffer. After waking, remaining is optimistically reset.
type rateLimitGuard struct {
	mu        sync.Mutex
	reserve   int
	remaining int
	resetAt   time.Time
}

func newRateLimitGuard(reserve int) *rateLimitGuard {
	return &rateLimitGuard{
		reserve:   reserve,
		remaining: reserve + 1,
	}
}

func (g *rateLimitGuard) observe(resp *gh.Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if resp.Rate.Limit == 0 && resp.Rate.Remaining == 0 {
		return
	}
	g.remaining = resp.Rate.Remaining
	g.resetAt = resp.Rate.Reset.Time
}

func (g *rateLimitGuard) wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.remaining >= g.reserve {
		return nil
	}

	sleep := time.Until(g.resetAt) + time.Second
	if sleep <= 0 {
		g.remaining = g.reserve + 1
		return nil
	}

	slog.Warn("GitHub rate limit reserve reached — pausing requests",
		"remaining", g.remaining, "reset_in", sleep.Round(time.Second))

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	g.remaining = g.reserve + 1
	return nil
}
