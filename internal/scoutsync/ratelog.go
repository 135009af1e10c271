package scoutsync

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger drops repeats of a noisy warning that arrive within
// interval of the last one that was written.
type rateLimitedLogger struct {
	logger *slog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	if l.dropped > 0 {
		args = append(args, "suppressed", l.dropped)
		l.dropped = 0
	}
	l.logger.Warn(msg, args...)
}
