package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-opds-catalog/config"
)

type rootFlags struct {
	envFile        string
	catalog        string
	catalogsFile   string
	libraryDB      string
	timeout        time.Duration
	maxRetries     int
	maxPages       int
	hideNewspapers bool
	hideInLibrary  bool
	metricsAddr    string
	verbose        bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "opds",
		Short: "Browse and export OPDS catalogs",
		Long: `opds browses OPDS catalogs such as the calibre content server.

Catalogs are walked page by page: the first page is shown at once and the
rest is appended in the background. Books can be downloaded, filtered
against a local calibre library, and exported to CSV or JSON lines.`,
		SilenceUsage: true,
	}

	bindRootFlags(cmd, flags)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := newLogger(flags.verbose)
		slog.SetDefault(logger)
		return nil
	}

	cmd.AddCommand(browseCmd(flags), listCmd(flags), exportCmd(flags))
	return cmd
}

// bindRootFlags registers the persistent flags shared by every subcommand.
func bindRootFlags(cmd *cobra.Command, flags *rootFlags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "Environment file to load before reading OPDS_* variables")
	pf.StringVarP(&flags.catalog, "catalog", "c", "", "Root catalog URL or a name from the catalogs file")
	pf.StringVar(&flags.catalogsFile, "catalogs-file", "", "YAML file listing named catalogs")
	pf.StringVar(&flags.libraryDB, "library", "", "Local library database (sqlite)")
	pf.DurationVar(&flags.timeout, "timeout", 0, "Per-request timeout (e.g. 10s)")
	pf.IntVar(&flags.maxRetries, "max-retries", -1, "Retry attempts on transport errors")
	pf.IntVar(&flags.maxPages, "max-pages", 0, "Stop pagination after this many pages")
	pf.BoolVar(&flags.hideNewspapers, "hide-news", false, "Hide items tagged News")
	pf.BoolVar(&flags.hideInLibrary, "hide-in-library", false, "Hide books already in the local library")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
}

// loadConfig layers defaults, the env file, OPDS_* variables and explicitly
// set flags, in that order.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, err
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("catalogs-file") {
		cfg.CatalogsFile = flags.catalogsFile
	}
	if changed("library") {
		cfg.LibraryDB = flags.libraryDB
	}
	if changed("timeout") {
		cfg.Timeout = flags.timeout
	}
	if changed("max-retries") {
		cfg.MaxRetries = flags.maxRetries
	}
	if changed("max-pages") {
		cfg.MaxPages = flags.maxPages
	}
	if changed("hide-news") {
		cfg.HideNewspapers = flags.hideNewspapers
	}
	if changed("hide-in-library") {
		cfg.HideInLibrary = flags.hideInLibrary
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	cfg.Verbose = flags.verbose

	if flags.catalog != "" {
		rootURL, err := resolveCatalog(cfg, flags.catalog)
		if err != nil {
			return nil, err
		}
		cfg.RootURL = rootURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveCatalog(cfg *config.Config, ref string) (string, error) {
	var catalogs []config.Catalog
	if cfg.CatalogsFile != "" {
		loaded, err := config.LoadCatalogs(cfg.CatalogsFile)
		if err != nil {
			return "", err
		}
		catalogs = loaded
	}
	c, ok := config.FindCatalog(catalogs, ref)
	if !ok {
		return "", fmt.Errorf("unknown catalog %q", ref)
	}
	return c.URL, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMetrics serves registry on addr until the returned stop is called.
// An empty addr disables the server.
func startMetrics(addr string, registry *prometheus.Registry) func() {
	if addr == "" || registry == nil {
		return func() {}
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

// newLogger writes human-readable logs to a terminal and JSON otherwise.
// Logs go to stderr so command output stays clean.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = log.NewWithOptions(os.Stderr, log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func onOff(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", arg)
	}
}
