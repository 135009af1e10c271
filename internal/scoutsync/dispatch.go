package scoutsync

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const submitPath = "/event-server/submit-match/compressed"

// ServerResult is one server's answer to one submission.
type ServerResult struct {
	Server  string
	OK      bool
	Status  int
	Err     error
	Elapsed time.Duration
}

// Sender posts a compressed payload to every submission target.
type Sender struct {
	registry *Registry
	client   *http.Client
	timeout  time.Duration
	fanout   int
	logger   *slog.Logger
}

func NewSender(registry *Registry, client *http.Client, timeout time.Duration, fanout int, logger *slog.Logger) *Sender {
	if fanout <= 0 {
		fanout = 1
	}
	return &Sender{registry: registry, client: client, timeout: timeout, fanout: fanout, logger: logger}
}

// Send posts body to every target concurrently. Each post gets its own
// timeout and a failing post never cancels its siblings. The returned error
// is nil only when every target acknowledged; with no targets it is
// ErrNoSubmissionTargets.
func (s *Sender) Send(ctx context.Context, body []byte) ([]ServerResult, error) {
	targets := s.registry.SubmissionTargets()
	if len(targets) == 0 {
		return nil, ErrNoSubmissionTargets
	}

	results := make([]ServerResult, len(targets))
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for i, srv := range targets {
		g.Go(func() error {
			results[i] = s.post(ctx, srv, body)
			return nil
		})
	}
	_ = g.Wait()

	var errs *multierror.Error
	for _, r := range results {
		if !r.OK {
			errs = multierror.Append(errs, &DispatchFailure{Server: r.Server, Status: r.Status, Err: r.Err})
		}
	}
	return results, errs.ErrorOrNil()
}

func (s *Sender) post(ctx context.Context, srv ServerConfig, body []byte) (res ServerResult) {
	res.Server = srv.Domain
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.Domain+submitPath, bytes.NewReader(body))
	if err != nil {
		res.Err = err
		return res
	}
	req.Header.Set("X-API-KEY", srv.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	res.Status = resp.StatusCode
	res.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.OK {
		s.logger.Debug("submission rejected", slog.String("server", srv.Domain), slog.Int("status", resp.StatusCode))
	}
	return res
}
