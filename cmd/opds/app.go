package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aluiziolira/go-opds-catalog/calibre"
	"github.com/aluiziolira/go-opds-catalog/catalog"
	"github.com/aluiziolira/go-opds-catalog/config"
	"github.com/aluiziolira/go-opds-catalog/fetcher"
	"github.com/aluiziolira/go-opds-catalog/library"
	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/navigator"
)

// app wires the fetcher, store, local library and navigator for one command.
type app struct {
	cfg     *config.Config
	fetcher *fetcher.Fetcher
	store   *catalog.Store
	library *library.Index
	nav     *navigator.Navigator
}

type appOptions struct {
	transport   http.RoundTripper
	credentials navigator.CredentialsProvider
	downloader  navigator.Downloader
	choose      func(ctx context.Context, item *models.CatalogItem) (string, error)
	out         io.Writer
	onWarning   func(error)
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	f, err := fetcher.NewFetcher(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialising fetcher: %w", err)
	}
	if opts.transport != nil {
		f.WithTransport(opts.transport)
	}

	a := &app{cfg: cfg, fetcher: f}

	var checker catalog.LibraryChecker
	if cfg.LibraryDB != "" {
		idx, err := library.Open(cfg.LibraryDB)
		if err != nil {
			return nil, err
		}
		if err := idx.Init(ctx); err != nil {
			idx.Close()
			return nil, err
		}
		a.library = idx
		checker = idx
	}

	store, err := catalog.NewStore(checker, cfg.LibraryCacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	store.SetFilter(catalog.FilterNewspapers, cfg.HideNewspapers)
	store.SetFilter(catalog.FilterInLibrary, cfg.HideInLibrary && a.library != nil)
	store.AddObserver(logObserver{})
	a.store = store

	if opts.credentials == nil {
		opts.credentials = promptCredentials{}
	}
	if opts.choose == nil {
		opts.choose = selectFormat
	}
	if opts.out == nil {
		opts.out = os.Stdout
	}
	if opts.downloader == nil {
		opts.downloader = &formatPicker{out: opts.out, choose: opts.choose}
	}
	if opts.onWarning == nil {
		opts.onWarning = func(err error) {
			slog.Warn("catalog warning", slog.Any("error", err))
		}
	}

	nav, err := navigator.New(f, store, navigator.Options{
		RootURL:            cfg.RootURL,
		MaxPages:           cfg.MaxPages,
		ContinuationBuffer: cfg.ContinuationBuffer,
		StopTimeout:        cfg.StopTimeout,
		Credentials:        opts.credentials,
		Downloader:         opts.downloader,
		Enricher:           calibre.NewClient(f),
		OnWarning:          opts.onWarning,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.nav = nav
	return a, nil
}

// Close stops background work and releases the library database.
func (a *app) Close() error {
	if a.nav != nil {
		a.nav.Close()
	}
	if a.library != nil {
		return a.library.Close()
	}
	return nil
}

// fixTimestamps copies catalog timestamps onto matching local books.
func (a *app) fixTimestamps(ctx context.Context, items []*models.CatalogItem) (int, error) {
	if a.library == nil {
		return 0, errors.New("no local library configured (use --library)")
	}
	return a.library.FixTimestamps(ctx, items)
}

// logObserver traces store changes at debug level.
type logObserver struct{}

func (logObserver) Reset(visible []*models.CatalogItem) {
	slog.Debug("catalog view reset", slog.Int("visible", len(visible)))
}

func (logObserver) Appended(start int, items []*models.CatalogItem) {
	slog.Debug("catalog items appended", slog.Int("start", start), slog.Int("count", len(items)))
}
