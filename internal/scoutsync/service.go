package scoutsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Service owns the whole pipeline: store, codec, registry, cache, queue and
// the background loops. It is built once at startup and handed to every
// consumer.
type Service struct {
	cfg    Config
	logger *slog.Logger

	httpClient *http.Client

	store       *Store
	codec       *Codec
	registry    *Registry
	cache       *ReadThroughCache
	queue       *Queue
	resubmitter *Resubmitter
	pinger      *Pinger
	ids         *idGenerator

	authorize func(*http.Request) bool

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector

	background bool
	now        func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

// WithAuthorizer replaces the default X-API-KEY check on the local API.
func WithAuthorizer(fn func(*http.Request) bool) Option {
	return func(s *Service) { s.authorize = fn }
}

// WithoutBackground skips the periodic loops (stats, ping, resubmit, warmup).
// One-shot CLI commands use it.
func WithoutBackground() Option { return func(s *Service) { s.background = false } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
		ids:        newIDGenerator(),
		background: true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.authorize == nil {
		s.authorize = s.checkAccessKey
	}

	registry, err := NewRegistry(cfg.Servers)
	if err != nil {
		return nil, err
	}
	if registry.Len() == 0 {
		s.logger.Warn("no servers configured; submissions will stay pending")
	}
	codec, err := NewCodec(cfg.Codec.Compression)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}

	s.registry = registry
	s.codec = codec
	s.store = store

	ram := newRAMCache(cfg.Storage.ramMaxBytes, newRateLimitedLogger(s.logger, time.Minute))
	s.cache = NewReadThroughCache(store, ram, registry, s.httpClient, s.logger)

	qcfg := cfg.QueueConfig()
	sender := NewSender(registry, s.httpClient, qcfg.Timeout, qcfg.Fanout, s.logger)
	s.queue = NewQueue(qcfg, store, sender, s.logger, s.stats)
	s.resubmitter = NewResubmitter(store, s.queue, s.logger)
	s.pinger = NewPinger(registry, s.httpClient, cfg.Ping.everyDur, s.logger)

	if s.background {
		s.startBackground()
	}
	return s, nil
}

func (s *Service) startBackground() {
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.loop(every, func(context.Context) { s.logStats() })
	}
	if _, ok := s.registry.Primary(); ok && s.cfg.Ping.everyDur > 0 {
		s.loop(s.cfg.Ping.everyDur, s.pinger.probe)
	}
	if every := s.cfg.Resubmit.everyDur; every > 0 {
		s.logger.Info("scheduled resubmission enabled", slog.Duration("every", every))
		s.loop(every, func(ctx context.Context) {
			if _, err := s.ResubmitAll(ctx, SubmissionFilter{}); err != nil {
				s.logger.Error("scheduled resubmission", slog.Any("error", err))
			}
		})
	}
	s.startWarmup()
}

// loop runs fn every interval until Close. Each run gets a context that is
// cancelled on Close.
func (s *Service) loop(every time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan struct{})
				go func() {
					select {
					case <-s.stopCh:
						cancel()
					case <-done:
					}
				}()
				fn(ctx)
				close(done)
				cancel()
			}
		}
	}()
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.queue.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("close store", slog.Any("error", err))
	}
}

func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Codec() *Codec       { return s.codec }

// SubmitMatch validates m, compresses it, persists it and enqueues it, in that
// order. The record is durable before any network attempt. The returned
// channel yields the dispatch result.
func (s *Service) SubmitMatch(ctx context.Context, m Match) (PendingSubmission, <-chan DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return PendingSubmission{}, nil, err
	}
	if err := ValidateMatch(m); err != nil {
		return PendingSubmission{}, nil, err
	}
	m.Remote = s.cfg.Server.Remote

	body, err := s.codec.Encode(m)
	if err != nil {
		return PendingSubmission{}, nil, err
	}
	now := s.now()
	rec := PendingSubmission{
		ID:        s.ids.Make(now),
		Body:      body,
		Keys:      m.Keys(),
		CreatedAt: now,
	}
	if err := s.store.PutSubmission(rec); err != nil {
		return PendingSubmission{}, nil, fmt.Errorf("persist submission %s: %w", rec.Keys, err)
	}
	s.logger.Debug("submission accepted",
		slog.String("id", rec.ID),
		slog.String("match", rec.Keys.String()),
		slog.Int("bytes", len(body)))
	return rec, s.queue.Enqueue(rec), nil
}

// DecodeSubmission expands a stored submission back into its match.
func (s *Service) DecodeSubmission(rec PendingSubmission) (Match, error) {
	var m Match
	err := s.codec.Decode(rec.Body, &m)
	return m, err
}

// ResubmitAll is the flush entry point: it re-enqueues every pending
// submission matching filter and waits until that work has settled.
func (s *Service) ResubmitAll(ctx context.Context, filter SubmissionFilter) (ResubmitReport, error) {
	return s.resubmitter.ResubmitAll(ctx, filter)
}

// Pending lists stored submissions matching filter in submission order.
func (s *Service) Pending(filter SubmissionFilter) ([]PendingSubmission, error) {
	var out []PendingSubmission
	err := s.store.ScanSubmissions(filter, func(rec PendingSubmission) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Retrieve returns the stored submissions for one match.
func (s *Service) Retrieve(keys CorrelationKeys) ([]PendingSubmission, error) {
	return s.Pending(SubmissionFilter(keys))
}

func (s *Service) Ping(ctx context.Context) (time.Duration, error) {
	return s.pinger.Latest(ctx)
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	cs := s.cache.Stats()
	pending, err := s.store.CountSubmissions(SubmissionFilter{})
	if err != nil {
		s.logger.Error("count pending submissions", slog.Any("error", err))
	}
	queued, inFlight := s.queue.Len()

	attrs := []any{
		slog.Int("pending", pending),
		slog.Int("queued", queued),
		slog.Int("inFlight", inFlight),
		slog.Uint64("delivered", ss.Delivered),
		slog.Uint64("failed", ss.Failed),
		slog.Uint64("saturated", ss.Saturated),
		slog.String("payloadMinAvgMax", fmt.Sprintf("%s/%s/%s",
			humanize.IBytes(ss.MinPayloadBytes),
			humanize.IBytes(ss.AvgPayloadBytes),
			humanize.IBytes(ss.MaxPayloadBytes))),
		slog.Uint64("cacheHits", cs.Hits),
		slog.Uint64("cacheStale", cs.StaleServed),
		slog.Uint64("upstreamCalls", cs.UpstreamCalls),
		slog.String("ram", humanize.IBytes(uint64(cs.RAMBytes))),
		slog.String("disk", humanize.IBytes(uint64(s.store.DiskSize()))),
	}
	if rss, ok := processRSSBytes(); ok {
		attrs = append(attrs, slog.String("rss", humanize.IBytes(rss)))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		attrs = append(attrs, slog.String("smaps", formatSmapsRollup(vals)))
	}
	s.logger.Info("stats", attrs...)
}
