package scoutsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type pingResult struct {
	latency time.Duration
	err     error
}

// Pinger probes the primary server. The last probe is remembered for one
// ping interval so status requests do not hammer the primary.
type Pinger struct {
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
	memo     *ttlcache.Cache[string, pingResult]

	connected bool
}

func NewPinger(registry *Registry, client *http.Client, every time.Duration, logger *slog.Logger) *Pinger {
	if every <= 0 {
		every = time.Minute
	}
	return &Pinger{
		registry: registry,
		client:   client,
		logger:   logger,
		memo: ttlcache.New[string, pingResult](
			ttlcache.WithTTL[string, pingResult](every),
			ttlcache.WithDisableTouchOnHit[string, pingResult](),
		),
	}
}

// Ping measures a round trip to the primary's /api/ping.
func (p *Pinger) Ping(ctx context.Context) (time.Duration, error) {
	srv, ok := p.registry.Primary()
	if !ok {
		return 0, ErrNoPrimaryServer
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.Domain+"/api/ping", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-AUTH-KEY", srv.APIKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("ping %s: status %d", srv.Domain, resp.StatusCode)
	}
	latency := time.Since(start)
	p.memo.Set(srv.Domain, pingResult{latency: latency}, ttlcache.DefaultTTL)
	return latency, nil
}

// Latest returns the remembered probe, probing only when it has expired.
func (p *Pinger) Latest(ctx context.Context) (time.Duration, error) {
	srv, ok := p.registry.Primary()
	if !ok {
		return 0, ErrNoPrimaryServer
	}
	loader := ttlcache.LoaderFunc[string, pingResult](
		func(c *ttlcache.Cache[string, pingResult], key string) *ttlcache.Item[string, pingResult] {
			latency, err := p.Ping(ctx)
			return c.Set(key, pingResult{latency: latency, err: err}, ttlcache.DefaultTTL)
		},
	)
	item := p.memo.Get(srv.Domain, ttlcache.WithLoader[string, pingResult](loader))
	if item == nil {
		return 0, fmt.Errorf("ping %s: no result", srv.Domain)
	}
	return item.Value().latency, item.Value().err
}

// probe runs one ping and logs connectivity transitions. Only the ping loop
// calls it.
func (p *Pinger) probe(ctx context.Context) {
	latency, err := p.Ping(ctx)
	switch {
	case err == nil && !p.connected:
		p.connected = true
		p.logger.Info("primary server connected", slog.Duration("latency", latency))
	case err != nil && p.connected:
		p.connected = false
		p.logger.Warn("primary server disconnected", slog.Any("error", err))
	case err != nil:
		p.logger.Debug("primary server unreachable", slog.Any("error", err))
	}
}
