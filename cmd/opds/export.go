package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-opds-catalog/config"
	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/pipeline"
)

func listCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [catalog-url]",
		Short: "Print every item of a catalog (the root when no URL is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer a.Close()

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return runList(ctx, a, target, cmd.OutOrStdout())
		},
	}
}

// runList loads the root, or target as a catalog, waits for every page and
// prints the visible items.
func runList(ctx context.Context, a *app, target string, out io.Writer) error {
	if target == "" {
		if err := a.nav.LoadRoot(ctx); err != nil {
			return err
		}
	} else {
		if err := a.nav.OpenCatalog(ctx, models.NewSubCatalog(target, target)); err != nil {
			return err
		}
		if err := a.nav.WaitForContinuation(ctx); err != nil {
			return err
		}
	}
	sh := &shell{app: a, out: out}
	sh.print(a.store.Visible())
	return nil
}

func exportCmd(flags *rootFlags) *cobra.Command {
	var (
		output  string
		format  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "export [catalog-url]",
		Short: "Walk a whole catalog and write its visible items to CSV or JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				cfg.OutputFile = output
			}
			if cmd.Flags().Changed("format") {
				cfg.OutputFormat = strings.ToLower(format)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer a.Close()
			defer startMetrics(cfg.MetricsAddr, a.fetcher.Metrics.Registry)()

			target := cfg.RootURL
			if len(args) == 1 {
				target = args[0]
			}
			_, err = runExport(ctx, a, target, workers, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", config.DefaultConfig().OutputFile, "Output file path")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format: csv, json, or dual")
	cmd.Flags().IntVar(&workers, "workers", 1, "Writer goroutines (1 keeps page order)")
	return cmd
}

// runExport streams every page of target through the store's filters into
// the configured writer. A pagination failure after the first page still
// leaves a valid file with the pages delivered so far.
func runExport(ctx context.Context, a *app, target string, workers int, out io.Writer) (models.FetchStats, error) {
	cfg := a.cfg
	writer, err := pipeline.NewWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return models.FetchStats{}, fmt.Errorf("creating writer: %w", err)
	}

	exporter := pipeline.NewExporter(writer, 64)
	exporter.Start(workers)
	if cfg.Verbose {
		exporter.StartProgressReporting(5 * time.Second)
	}

	slog.Info("starting export",
		slog.String("url", target),
		slog.String("format", cfg.OutputFormat),
		slog.String("output", cfg.OutputFile),
	)
	start := time.Now()
	walker := pipeline.NewWalker(a.nav.FetchPage, target, pipeline.WalkerOptions{MaxPages: cfg.MaxPages})
	stats, walkErr := pipeline.Export(ctx, walker, a.store.Apply, exporter)
	stats.RequestCount = a.fetcher.RequestCount()

	closeErr := exporter.Close()
	if err := writer.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		return stats, fmt.Errorf("export shutdown failed: %w", closeErr)
	}
	if walkErr != nil && !stats.Partial {
		return stats, walkErr
	}
	if err := writer.Validate(); err != nil {
		return stats, fmt.Errorf("output validation failed: %w", err)
	}

	printSummary(out, stats, exporter.Stats(), time.Since(start), cfg.OutputFile)
	if stats.Partial {
		return stats, walkErr
	}
	return stats, nil
}

func printSummary(out io.Writer, stats models.FetchStats, exported pipeline.ExportStats, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(out, separator)
	fmt.Fprintln(out, "Export complete")
	fmt.Fprintf(out, "  Pages:         %d\n", stats.Pages)
	fmt.Fprintf(out, "  Items:         %d\n", stats.Items)
	fmt.Fprintf(out, "  Written:       %d\n", exported.Written)
	fmt.Fprintf(out, "  Skipped:       %d\n", exported.SkippedTotal())
	if len(exported.Skipped) > 0 {
		fmt.Fprintf(out, "  Skip reasons:  %v\n", exported.Skipped)
	}
	fmt.Fprintf(out, "  Requests:      %d\n", stats.RequestCount)
	if stats.Partial {
		fmt.Fprintf(out, "  Partial:       stopped at %s\n", stats.FailedURL)
	}
	fmt.Fprintf(out, "  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Output file:   %s\n", outputFile)
	fmt.Fprintln(out, separator)
}
