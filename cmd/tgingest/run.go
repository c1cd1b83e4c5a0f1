package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"tgingest/internal/app"
	"tgingest/internal/scheduler"
	"tgingest/pkg/metrics"
	"tgingest/pkg/models"
	"tgingest/pkg/ui"
)

var (
	channelsFlag   []string
	channelsFile   string
	dataDir        string
	sink           string
	stateBackend   string
	pageSize       int
	concurrency    int
	requestsPerMin int
	backstopDate   string
	noMedia        bool
	cronExpr       string
	metricsAddr    string
	runOnStart     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest new messages from every configured channel once",
	Long: `Run fetches every message newer than each channel's stored cursor, writes
them to the raw store and advances the cursor after each durable batch.

Channels come from the built-in defaults, channels.list in the config file
and the channels file (one per line, # comments allowed). Passing --channel
replaces the defaults.

Exit status is 0 when every channel finished, 2 when some failed and 1 when
the run could not start.`,
	Example: `  # Ingest the default channels plus channels.txt
  tgingest run

  # Only two channels, parquet partitions, no images
  tgingest run --channel @pharma_news --channel t.me/medsupply --sink parquet --no-media

  # First run for a new channel should not go back further than 2024
  tgingest run --channel newchannel --backstop-date 2024-01-01`,
	RunE: runOnce,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run ingestion on a schedule (daily at 02:00 UTC by default)",
	Long: `Watch keeps the process alive and triggers a run on the cron expression in
schedule.cron, evaluated in UTC. A run that is still going when the next tick
arrives delays that tick instead of overlapping. Enable lock.enabled to also
exclude runs started from other hosts.`,
	Example: `  tgingest watch
  tgingest watch --cron "*/30 * * * *" --metrics-addr :9464 --run-on-start`,
	RunE: runWatch,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, watchCmd} {
		c.Flags().StringSliceVar(&channelsFlag, "channel", nil, "channel to ingest (repeatable; @name, t.me/name or name)")
		c.Flags().StringVar(&channelsFile, "channels-file", "", "file with one channel per line")
		c.Flags().StringVar(&dataDir, "data-dir", "", "root of the raw store")
		c.Flags().StringVar(&sink, "sink", "", "raw store format: json, parquet or postgres")
		c.Flags().StringVar(&stateBackend, "state-backend", "", "cursor store: file, sqlite, postgres or dynamodb")
		c.Flags().IntVar(&pageSize, "page-size", 0, "messages per upstream request (max 100)")
		c.Flags().IntVar(&concurrency, "concurrency", 0, "channels ingested in parallel")
		c.Flags().IntVar(&requestsPerMin, "requests-per-minute", 0, "shared upstream request budget")
		c.Flags().StringVar(&backstopDate, "backstop-date", "", "oldest date (YYYY-MM-DD) fetched for channels without a cursor")
		c.Flags().BoolVar(&noMedia, "no-media", false, "skip image downloads")
		rootCmd.AddCommand(c)
	}
	watchCmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression in UTC")
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	watchCmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "run once immediately, then follow the schedule")
}

func runFlags() map[string]interface{} {
	flags := map[string]interface{}{
		"channels":            channelsFlag,
		"channels-file":       channelsFile,
		"data-dir":            dataDir,
		"sink":                sink,
		"state-backend":       stateBackend,
		"page-size":           pageSize,
		"concurrency":         concurrency,
		"requests-per-minute": requestsPerMin,
		"backstop-date":       backstopDate,
		"no-media":            noMedia,
		"cron":                cronExpr,
		"metrics-addr":        metricsAddr,
	}
	return flags
}

// ingestOnce resolves channels and performs one run against Telegram
func ingestOnce(ctx context.Context, a *app.App, interactive bool) (*models.RunReport, error) {
	channels, err := a.Config.ResolveChannels()
	if err != nil {
		return nil, err
	}
	a.Logger.InfoWithFields("Channels resolved", map[string]interface{}{
		"count":    len(channels),
		"channels": strings.Join(channels, ","),
	})

	src, err := a.NewSource(interactive)
	if err != nil {
		return nil, err
	}
	return a.Run(ctx, src, channels)
}

func runOnce(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, runFlags())
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if a.Metrics != nil {
		done := metrics.StartServer(ctx, a.Logger, a.Config.Metrics.Addr, a.Metrics)
		defer func() {
			cancel()
			<-done
		}()
	}

	rep, err := ingestOnce(ctx, a, true)
	if err != nil {
		return err
	}

	ui.PrintReport(cmd.OutOrStdout(), rep)
	if rep.Status != models.RunSuccess {
		return errPartial
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, runFlags())
	if err != nil {
		return err
	}
	if runOnStart {
		a.Config.Schedule.RunOnStart = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	if a.Metrics != nil {
		done := metrics.StartServer(ctx, a.Logger, a.Config.Metrics.Addr, a.Metrics)
		defer func() { <-done }()
	}

	s, err := scheduler.New(a.Config.Schedule, a.Logger)
	if err != nil {
		return err
	}
	err = s.Schedule(ctx, func(ctx context.Context) error {
		rep, err := ingestOnce(ctx, a, false)
		if err != nil {
			return err
		}
		ui.PrintReport(cmd.OutOrStdout(), rep)
		return nil
	})
	if err != nil {
		return err
	}

	ui.PrintBanner()
	if next, err := s.NextRun(); err == nil && !next.IsZero() {
		ui.PrintInfo("Next run", next.UTC().Format("2006-01-02 15:04 MST"))
	}
	return s.Run(ctx)
}
