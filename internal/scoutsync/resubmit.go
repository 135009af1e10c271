package scoutsync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ResubmitReport summarizes one resubmission scan.
type ResubmitReport struct {
	Scanned   int
	Delivered int
	Failed    int
	Vanished  int
	Remaining int
	Elapsed   time.Duration
}

// Resubmitter re-enqueues every still-persisted submission. A record that is
// still in the store was either never fully delivered or is being delivered
// right now; both are safe to enqueue again because the queue coalesces
// duplicates by id and skips records that disappear before dispatch.
type Resubmitter struct {
	store  *Store
	queue  *Queue
	logger *slog.Logger
}

func NewResubmitter(store *Store, queue *Queue, logger *slog.Logger) *Resubmitter {
	return &Resubmitter{store: store, queue: queue, logger: logger}
}

// ResubmitAll enqueues every pending submission matching filter in submission
// order, then waits until those and everything queued before them have
// settled. Submissions arriving during the flush are not waited for.
func (r *Resubmitter) ResubmitAll(ctx context.Context, filter SubmissionFilter) (ResubmitReport, error) {
	start := time.Now()
	var report ResubmitReport

	var results []<-chan DispatchResult
	err := r.store.ScanSubmissions(filter, func(rec PendingSubmission) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Scanned++
		results = append(results, r.queue.Enqueue(rec))
		return nil
	})
	if err != nil {
		return report, err
	}

	if err := r.queue.Drain(ctx); err != nil {
		return report, err
	}

	for _, ch := range results {
		var res DispatchResult
		select {
		case res = <-ch:
		case <-ctx.Done():
			return report, ctx.Err()
		}
		switch {
		case res.Vanished, errors.Is(res.Err, ErrNotPersisted):
			report.Vanished++
		case res.Delivered:
			report.Delivered++
		default:
			report.Failed++
		}
	}

	report.Remaining, err = r.store.CountSubmissions(filter)
	report.Elapsed = time.Since(start)
	r.logger.Info("resubmission scan finished",
		slog.String("event", filter.EventKey),
		slog.Int("scanned", report.Scanned),
		slog.Int("delivered", report.Delivered),
		slog.Int("failed", report.Failed),
		slog.Int("vanished", report.Vanished),
		slog.Int("remaining", report.Remaining),
		slog.Duration("elapsed", report.Elapsed))
	return report, err
}
