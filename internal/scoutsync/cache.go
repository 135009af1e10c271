package scoutsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

// maxUpstreamBody bounds how much of an upstream read is buffered.
const maxUpstreamBody = 32 << 20

// refreshTimeout bounds one shared refresh round across all read sources.
const refreshTimeout = 30 * time.Second

// ReadThroughCache serves upstream reads from the store while they are fresh
// and refreshes them from the registry's read sources when they are not. A
// failed refresh falls back to the stale entry when there is one.
type ReadThroughCache struct {
	store    *Store
	ram      *ramCache
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	hits          atomic.Uint64
	staleServed   atomic.Uint64
	refreshes     atomic.Uint64
	upstreamCalls atomic.Uint64
}

type CacheStats struct {
	Hits          uint64
	StaleServed   uint64
	Refreshes     uint64
	UpstreamCalls uint64
	RAMEntries    int
	RAMBytes      int64
}

func NewReadThroughCache(store *Store, ram *ramCache, registry *Registry, client *http.Client, logger *slog.Logger) *ReadThroughCache {
	return &ReadThroughCache{
		store:    store,
		ram:      ram,
		registry: registry,
		client:   client,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the body for path. An entry younger than ttl is returned
// without touching the network; an entry exactly ttl old is expired.
func (c *ReadThroughCache) Get(ctx context.Context, path string, ttl time.Duration, validate Validator) ([]byte, error) {
	ent, ok := c.lookup(path)
	if ok && c.now().Sub(ent.CreatedAt) < ttl {
		c.hits.Add(1)
		return ent.Response, nil
	}

	body, err := c.Refresh(ctx, path, validate)
	if err == nil {
		return body, nil
	}
	if ok {
		c.staleServed.Add(1)
		c.logger.Warn("refresh failed, serving stale entry",
			slog.String("url", path),
			slog.Duration("age", c.now().Sub(ent.CreatedAt)),
			slog.Any("error", err))
		return ent.Response, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, path, err)
}

// Refresh fetches path from the read sources regardless of freshness and
// stores the first schema-valid response. Concurrent refreshes of the same
// path share one upstream round; a caller giving up does not cancel it for
// the others.
func (c *ReadThroughCache) Refresh(ctx context.Context, path string, validate Validator) ([]byte, error) {
	ch := c.group.DoChan(path, func() (any, error) {
		// shared by every caller, so it must not die with the first one
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(rctx, path, validate)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ReadThroughCache) refresh(ctx context.Context, path string, validate Validator) ([]byte, error) {
	c.refreshes.Add(1)
	sources := c.registry.ReadSources()
	if len(sources) == 0 {
		return nil, ErrNoReadSources
	}

	var errs *multierror.Error
	for _, srv := range sources {
		body, err := c.fetch(ctx, srv, path)
		if err == nil && validate != nil {
			err = validate(body)
		}
		if err != nil {
			c.logger.Debug("read source failed", slog.String("server", srv.Domain), slog.String("url", path), slog.Any("error", err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", srv.Domain, err))
			continue
		}

		ent := CachedResponse{URL: path, Response: body, CreatedAt: c.now()}
		c.ram.Put(ent)
		if err := c.store.PutCached(ent); err != nil {
			c.logger.Error("persist cached response", slog.String("url", path), slog.Any("error", err))
		}
		return body, nil
	}
	return nil, errs.ErrorOrNil()
}

func (c *ReadThroughCache) fetch(ctx context.Context, srv ServerConfig, path string) ([]byte, error) {
	c.upstreamCalls.Add(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.Domain+"/event-server"+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", srv.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *ReadThroughCache) lookup(path string) (CachedResponse, bool) {
	if ent, ok := c.ram.Get(path); ok {
		return ent, true
	}
	ent, ok, err := c.store.GetCached(path)
	if err != nil {
		c.logger.Error("read cached response", slog.String("url", path), slog.Any("error", err))
		return CachedResponse{}, false
	}
	if ok {
		c.ram.Put(ent)
	}
	return ent, ok
}

func (c *ReadThroughCache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		StaleServed:   c.staleServed.Load(),
		Refreshes:     c.refreshes.Load(),
		UpstreamCalls: c.upstreamCalls.Load(),
		RAMEntries:    c.ram.Len(),
		RAMBytes:      c.ram.TotalSize(),
	}
}
