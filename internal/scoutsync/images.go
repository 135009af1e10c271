package scoutsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const maxImageBytes = 32 << 20

// Picture returns an uploaded image by id. Local copies win; otherwise every
// image host is asked in registry order and the first hit is kept locally.
func (s *Service) Picture(ctx context.Context, id string) ([]byte, string, error) {
	name := path.Base(strings.TrimSpace(id))
	if name == "" || name == "." || name == "/" || name == ".." {
		return nil, "", fmt.Errorf("picture %q: %w", id, ErrNotFound)
	}
	local := filepath.Join(s.cfg.Images.Dir, name)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	b, err := os.ReadFile(local)
	if err == nil {
		return b, contentType, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}

	for _, srv := range s.registry.ImageSources() {
		body, ct, err := s.fetchImage(ctx, srv, name)
		if err != nil {
			s.logger.Debug("image host miss", slog.String("server", srv.Domain), slog.String("id", name), slog.Any("error", err))
			continue
		}
		if ct != "" {
			contentType = ct
		}
		if err := os.MkdirAll(s.cfg.Images.Dir, 0o755); err == nil {
			if err := os.WriteFile(local, body, 0o644); err != nil {
				s.logger.Warn("store picture", slog.String("path", local), slog.Any("error", err))
			}
		}
		return body, contentType, nil
	}
	return nil, "", fmt.Errorf("picture %q: %w", name, ErrNotFound)
}

func (s *Service) fetchImage(ctx context.Context, srv ServerConfig, name string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.Domain+"/"+name, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}
