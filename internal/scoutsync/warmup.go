package scoutsync

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// startWarmup keeps event data for the configured events fresh so an outage
// starts with a warm cache.
func (s *Service) startWarmup() {
	events := make([]string, 0, len(s.cfg.Warmup.Events))
	for _, ev := range s.cfg.Warmup.Events {
		ev = strings.TrimSpace(ev)
		if ev != "" {
			events = append(events, ev)
		}
	}
	if len(events) == 0 || s.cfg.Warmup.everyDur <= 0 {
		return
	}

	initDelay := s.cfg.Warmup.initialDelayDur
	period := s.cfg.Warmup.everyDur
	s.logger.Info("cache warmup enabled", slog.Int("events", len(events)), slog.Duration("every", period))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			refreshed, failed := s.warmupOnce(ctx, events)
			s.logger.Info("cache warmup", slog.Int("refreshed", refreshed), slog.Int("failed", failed))
		}

		runOnce()
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// warmupOnce force-refreshes the event and scout-group queries of every event,
// sharing the service's background slots with other work.
func (s *Service) warmupOnce(ctx context.Context, events []string) (refreshed, failed int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ev := range events {
		for _, q := range []Query{EventQuery(ev), ScoutGroupsQuery(ev)} {
			select {
			case <-s.stopCh:
				wg.Wait()
				return refreshed, failed
			case <-ctx.Done():
				wg.Wait()
				return refreshed, failed
			case s.bgSem <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-s.bgSem }()
				_, err := s.cache.Refresh(ctx, q.Path, q.Validate)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					s.logger.Debug("warmup refresh failed", slog.String("url", q.Path), slog.Any("error", err))
					return
				}
				refreshed++
			}()
		}
	}
	wg.Wait()
	return refreshed, failed
}
