package worker

import (
	"sync"
	"time"

	"shoresquad/internal/logger"
)

// rateLimitedLogger emits at most one warning per interval. While offline
// every intercepted request fails the same way, so the first failure is
// logged and the rest are counted into the next line.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	n := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if n > 0 {
		args = append(args, "suppressed", n)
	}
	logger.Warn(msg, args...)
}
