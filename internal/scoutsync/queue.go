package scoutsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type QueueConfig struct {
	// Concurrency is the most dispatches in flight at once.
	Concurrency int
	// At most RateLimit dispatches start per Interval.
	Interval  time.Duration
	RateLimit int
	// Timeout bounds each server's post within a dispatch.
	Timeout time.Duration
	// Fanout bounds concurrent posts within one dispatch.
	Fanout int
}

// DispatchResult is how one queued submission settled.
type DispatchResult struct {
	ID   string
	Keys CorrelationKeys

	// Delivered is true when every submission target acknowledged.
	Delivered bool
	// Retired is true when this dispatch deleted the durable record.
	Retired bool
	// Vanished is true when the record was already gone at dispatch time.
	Vanished bool

	Servers []ServerResult
	Err     error
}

type queueTask struct {
	rec     PendingSubmission
	payload []byte
	waiters []chan DispatchResult
}

// Queue dispatches persisted submissions in FIFO order under a concurrency
// and rate limit. It holds no durable state: a record is only deleted from
// the store after every target acknowledged it, and a failed dispatch is not
// retried here. Failed records wait for the next resubmission scan.
type Queue struct {
	cfg     QueueConfig
	store   *Store
	sender  *Sender
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *slog.Logger
	satLog  *rateLimitedLogger
	stats   *statsCollector

	mu     sync.Mutex
	cond   *sync.Cond
	fifo   []*queueTask
	tasks  map[string]*queueTask // queued or in flight, by record id
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(cfg QueueConfig, store *Store, sender *Sender, logger *slog.Logger, stats *statsCollector) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 && cfg.Interval > 0 {
		limit = rate.Limit(float64(cfg.RateLimit) / cfg.Interval.Seconds())
		burst = cfg.RateLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		limiter: rate.NewLimiter(limit, burst),
		sem:     make(chan struct{}, cfg.Concurrency),
		logger:  logger,
		satLog:  newRateLimitedLogger(logger, time.Minute),
		stats:   stats,
		tasks:   map[string]*queueTask{},
		ctx:     ctx,
		cancel:  cancel,
	}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(1)
	go q.schedule()
	return q
}

// Enqueue schedules rec for dispatch and never blocks. rec must already be in
// the store. The returned channel yields exactly one result once the dispatch
// settles. Enqueueing a record that is already queued or in flight joins the
// existing dispatch instead of starting another.
func (q *Queue) Enqueue(rec PendingSubmission) <-chan DispatchResult {
	ch := make(chan DispatchResult, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		ch <- DispatchResult{ID: rec.ID, Keys: rec.Keys, Err: ErrQueueClosed}
		close(ch)
		return ch
	}
	if t, ok := q.tasks[rec.ID]; ok {
		t.waiters = append(t.waiters, ch)
		return ch
	}
	if !q.store.HasSubmission(rec.ID) {
		ch <- DispatchResult{ID: rec.ID, Keys: rec.Keys, Err: ErrNotPersisted}
		close(ch)
		return ch
	}

	t := &queueTask{rec: rec, payload: rec.Body, waiters: []chan DispatchResult{ch}}
	q.tasks[rec.ID] = t
	q.fifo = append(q.fifo, t)
	q.cond.Signal()
	return ch
}

// Drain blocks until every task that was queued or in flight when it was
// called has settled. Work enqueued afterwards is not waited for.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	waits := make([]chan DispatchResult, 0, len(q.tasks))
	for _, t := range q.tasks {
		ch := make(chan DispatchResult, 1)
		t.waiters = append(t.waiters, ch)
		waits = append(waits, ch)
	}
	q.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len reports queued and in-flight task counts.
func (q *Queue) Len() (queued, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo), len(q.tasks) - len(q.fifo)
}

// Close stops the scheduler. Queued tasks settle with ErrQueueClosed and keep
// their records; in-flight dispatches run to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.fifo
	q.fifo = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	for _, t := range pending {
		q.finish(t, DispatchResult{ID: t.rec.ID, Keys: t.rec.Keys, Err: ErrQueueClosed})
	}
	q.wg.Wait()
}

func (q *Queue) schedule() {
	defer q.wg.Done()
	for {
		t := q.next()
		if t == nil {
			return
		}

		if q.limiter.Tokens() < 1 {
			q.saturated("rate")
		}
		if err := q.limiter.Wait(q.ctx); err != nil {
			q.finish(t, DispatchResult{ID: t.rec.ID, Keys: t.rec.Keys, Err: ErrQueueClosed})
			continue
		}

		select {
		case q.sem <- struct{}{}:
		default:
			q.saturated("concurrency")
			select {
			case q.sem <- struct{}{}:
			case <-q.ctx.Done():
				q.finish(t, DispatchResult{ID: t.rec.ID, Keys: t.rec.Keys, Err: ErrQueueClosed})
				continue
			}
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.finish(t, q.dispatch(t))
		}()
	}
}

func (q *Queue) next() *queueTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.fifo) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}
	t := q.fifo[0]
	q.fifo[0] = nil
	q.fifo = q.fifo[1:]
	return t
}

func (q *Queue) dispatch(t *queueTask) DispatchResult {
	res := DispatchResult{ID: t.rec.ID, Keys: t.rec.Keys}
	if !q.store.HasSubmission(t.rec.ID) {
		res.Vanished = true
		return res
	}

	// In-flight posts outlive Close; each is bounded by the per-server timeout.
	servers, err := q.sender.Send(context.Background(), t.payload)
	res.Servers = servers
	if err != nil {
		res.Err = err
		q.logger.Warn("submission not delivered to every server, keeping record",
			slog.String("id", t.rec.ID),
			slog.String("match", t.rec.Keys.String()),
			slog.Any("error", err))
		return res
	}
	res.Delivered = true

	retired, err := q.store.DeleteIfPresent(t.rec.ID)
	if err != nil {
		res.Err = fmt.Errorf("retire %s: %w", t.rec.ID, err)
		return res
	}
	res.Retired = retired
	q.logger.Info("submission delivered",
		slog.String("id", t.rec.ID),
		slog.String("match", t.rec.Keys.String()),
		slog.Int("servers", len(servers)))
	return res
}

func (q *Queue) finish(t *queueTask, res DispatchResult) {
	q.mu.Lock()
	if q.tasks[t.rec.ID] == t {
		delete(q.tasks, t.rec.ID)
	}
	waiters := t.waiters
	t.waiters = nil
	q.mu.Unlock()

	if q.stats != nil {
		q.stats.ObserveDispatch(res, len(t.payload))
	}
	for _, ch := range waiters {
		ch <- res
		close(ch)
	}
}

func (q *Queue) saturated(limit string) {
	if q.stats != nil {
		q.stats.saturated.Add(1)
	}
	queued, inFlight := q.Len()
	q.satLog.Warn(ErrQueueSaturated.Error(),
		slog.String("limit", limit),
		slog.Int("queued", queued),
		slog.Int("inFlight", inFlight))
}
