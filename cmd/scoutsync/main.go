package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"scoutsync/internal/scoutsync"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scoutsync",
	Short: "Durable match-data sync for scouting tablets",
	Long: `scoutsync persists scouted matches, compresses them and delivers them to every
configured event server, caching upstream event data for offline use.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SCOUTSYNC_CONFIG", "/scoutsync.yaml"), "path to scoutsync.yaml")
	rootCmd.AddCommand(serveCmd(), flushCmd(), pendingCmd(), compressCheckCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openService loads the config, builds the logger and the service.
func openService(opts ...scoutsync.Option) (*scoutsync.Service, scoutsync.Config, func(), error) {
	cfg, err := scoutsync.LoadConfig(configPath)
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := scoutsync.NewLogger(cfg)
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("init logging: %w", err)
	}
	svc, err := scoutsync.NewService(cfg, append([]scoutsync.Option{scoutsync.WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = logCloser.Close()
		return nil, cfg, nil, fmt.Errorf("init service: %w", err)
	}
	return svc, cfg, func() {
		svc.Close()
		_ = logCloser.Close()
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, submission queue and background loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cfg, closeFn, err := openService()
			if err != nil {
				return err
			}
			defer closeFn()

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				fmt.Fprintf(os.Stderr, "scoutsync listening on %s, servers=%d\n", addr, svc.Registry().Len())
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "server error: %v\n", err)
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func flushCmd() *cobra.Command {
	var (
		event string
		addr  string
		key   string
	)
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Resubmit every pending match, optionally only for one event",
		Long: `flush re-enqueues every still-pending submission and waits until
they have settled. With --addr it asks a running server to do it; otherwise it opens the
data directory itself, which requires that no server is running.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report scoutsync.ResubmitReport
			if addr != "" {
				r, err := remoteFlush(cmd.Context(), addr, key, event)
				if err != nil {
					return err
				}
				report = r
			} else {
				svc, _, closeFn, err := openService(scoutsync.WithoutBackground())
				if err != nil {
					return err
				}
				defer closeFn()
				report, err = svc.ResubmitAll(cmd.Context(), scoutsync.SubmissionFilter{EventKey: event})
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d delivered=%d failed=%d vanished=%d remaining=%d elapsed=%s\n",
				report.Scanned, report.Delivered, report.Failed, report.Vanished, report.Remaining, report.Elapsed)
			if report.Remaining > 0 {
				return fmt.Errorf("%d submissions still pending", report.Remaining)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "only resubmit matches for this event key")
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of a running scoutsync, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&key, "key", os.Getenv("SCOUTSYNC_ACCESS_KEY"), "access key for --addr")
	return cmd
}

func remoteFlush(ctx context.Context, addr, key, event string) (scoutsync.ResubmitReport, error) {
	u := addr + "/api/flush"
	if event != "" {
		u += "?event=" + url.QueryEscape(event)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return scoutsync.ResubmitReport{}, err
	}
	if key != "" {
		req.Header.Set("X-API-KEY", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scoutsync.ResubmitReport{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return scoutsync.ResubmitReport{}, fmt.Errorf("flush: status %d: %s", resp.StatusCode, b)
	}
	var report scoutsync.ResubmitReport
	err = json.NewDecoder(resp.Body).Decode(&report)
	return report, err
}

func pendingCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List matches that have not reached every server yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, closeFn, err := openService(scoutsync.WithoutBackground())
			if err != nil {
				return err
			}
			defer closeFn()

			recs, err := svc.Pending(scoutsync.SubmissionFilter{EventKey: event})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEVENT\tTEAM\tMATCH\tBYTES\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s%d\t%d\t%s\n",
					rec.ID, rec.Keys.EventKey, rec.Keys.Team, rec.Keys.CompLevel, rec.Keys.Match,
					len(rec.Body), rec.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "only list matches for this event key")
	return cmd
}

func compressCheckCmd() *cobra.Command {
	var compression string
	cmd := &cobra.Command{
		Use:   "compress-check <match.json>",
		Short: "Compress a match file and verify it decompresses to the same data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var m scoutsync.Match
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			codec, err := scoutsync.NewCodec(scoutsync.Compression(compression))
			if err != nil {
				return err
			}
			packed, err := codec.Encode(m)
			if err != nil {
				return err
			}
			var back scoutsync.Match
			if err := codec.Decode(packed, &back); err != nil {
				return err
			}

			orig, _ := json.Marshal(m)
			again, _ := json.Marshal(back)
			integrity := "passed"
			if string(orig) != string(again) {
				integrity = "failed"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "json size:        %d bytes\n", len(orig))
			fmt.Fprintf(out, "compressed size:  %d bytes (%s)\n", len(packed), codec.Compression())
			fmt.Fprintf(out, "ratio:            %.2f%%\n", float64(len(packed))/float64(len(orig))*100)
			fmt.Fprintf(out, "integrity check:  %s\n", integrity)
			if integrity != "passed" {
				return errors.New("round trip mismatch")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&compression, "compression", string(scoutsync.CompressionBrotli), "brotli or zstd")
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
