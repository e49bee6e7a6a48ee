// Package pipeline walks paginated OPDS feeds and streams their items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

// ErrWalkDone is returned by Walker.Next once the last page was delivered.
var ErrWalkDone = errors.New("pipeline: walk done")

// FetchFunc fetches and parses one feed page.
type FetchFunc func(ctx context.Context, pageURL string) (*models.Feed, error)

// Batch is the classified content of one feed page.
type Batch struct {
	Page           int
	URL            string
	Items          []*models.CatalogItem
	ServerIdentity string
	Feed           *models.Feed
}

// ErrPartialPagination reports a failure after at least one page was
// delivered. Items from earlier pages stay valid.
type ErrPartialPagination struct {
	URL       string
	Delivered int
	Err       error
}

func (e ErrPartialPagination) Error() string {
	return fmt.Errorf("pagination stopped after %d pages at %s: %w", e.Delivered, e.URL, e.Err).Error()
}

func (e ErrPartialPagination) Unwrap() error {
	return e.Err
}

// WalkerOptions bounds a walk.
type WalkerOptions struct {
	// MaxPages stops the walk after this many pages; zero means unbounded.
	MaxPages int
}

// Walker is a forward-only sequence of pages linked by rel="next". It is not
// safe for concurrent use and cannot be restarted.
type Walker struct {
	fetch    FetchFunc
	next     string
	maxPages int
	pages    int
	visited  map[string]struct{}
	done     bool
	err      error
}

// NewWalker returns a walker positioned before startURL.
func NewWalker(fetch FetchFunc, startURL string, opts WalkerOptions) *Walker {
	return &Walker{
		fetch:    fetch,
		next:     startURL,
		maxPages: opts.MaxPages,
		visited:  make(map[string]struct{}),
	}
}

// Pages returns the number of pages delivered so far.
func (w *Walker) Pages() int {
	return w.pages
}

// Done reports whether Next will never fetch again.
func (w *Walker) Done() bool {
	return w.done
}

// Next fetches the next page. It returns ErrWalkDone after the last page,
// the context error on cancellation, the fetch error when the first page
// fails, and ErrPartialPagination when a later page fails. Errors are sticky.
func (w *Walker) Next(ctx context.Context) (*Batch, error) {
	if w.done {
		if w.err != nil {
			return nil, w.err
		}
		return nil, ErrWalkDone
	}
	if err := ctx.Err(); err != nil {
		return nil, w.finish(err)
	}
	if w.maxPages > 0 && w.pages >= w.maxPages {
		slog.Warn("pagination page limit reached",
			slog.Int("max_pages", w.maxPages),
			slog.String("next_url", w.next),
		)
		return nil, w.finish(nil)
	}

	pageURL := w.next
	feed, err := w.fetch(ctx, pageURL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, w.finish(ctxErr)
	}
	if err != nil {
		if w.pages > 0 {
			err = ErrPartialPagination{URL: pageURL, Delivered: w.pages, Err: err}
		}
		return nil, w.finish(err)
	}

	w.pages++
	w.visited[pageURL] = struct{}{}
	batch := &Batch{
		Page:           w.pages,
		URL:            pageURL,
		Items:          parser.ClassifyAll(feed.Entries, pageURL),
		ServerIdentity: feed.ServerIdentity(),
		Feed:           feed,
	}

	w.advance(pageURL, feed.NextHref())
	return batch, nil
}

// Each calls fn for every remaining page. It returns nil when the walk ends
// normally, otherwise the walk or callback error.
func (w *Walker) Each(ctx context.Context, fn func(*Batch) error) error {
	for {
		batch, err := w.Next(ctx)
		if errors.Is(err, ErrWalkDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			w.finish(err)
			return err
		}
	}
}

func (w *Walker) advance(pageURL, nextHref string) {
	if nextHref == "" {
		w.done = true
		return
	}
	abs := parser.ResolveURL(pageURL, nextHref)
	if _, seen := w.visited[abs]; seen {
		slog.Warn("pagination cycle detected",
			slog.String("url", pageURL),
			slog.String("next_url", abs),
		)
		w.done = true
		return
	}
	w.next = abs
}

func (w *Walker) finish(err error) error {
	w.done = true
	w.err = err
	if err == nil {
		return ErrWalkDone
	}
	return err
}
