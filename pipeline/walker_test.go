package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aluiziolira/go-opds-catalog/internal/feedtest"
	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

// fakeSite serves parsed feeds from an in-memory map keyed by URL.
type fakeSite struct {
	mu      sync.Mutex
	pages   map[string]string
	fail    map[string]error
	fetched []string
	onFetch func(url string)
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: make(map[string]string), fail: make(map[string]error)}
}

func (s *fakeSite) fetch(ctx context.Context, pageURL string) (*models.Feed, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, pageURL)
	body, ok := s.pages[pageURL]
	failure := s.fail[pageURL]
	hook := s.onFetch
	s.mu.Unlock()

	if hook != nil {
		hook(pageURL)
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, fmt.Errorf("no page at %s", pageURL)
	}
	feed, err := parser.ParseFeed([]byte(body))
	if err != nil {
		return nil, err
	}
	feed.URL = pageURL
	return feed, nil
}

func (s *fakeSite) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetched)
}

// chain registers n linked pages with perPage books each and returns the
// first URL.
func (s *fakeSite) chain(n, perPage int) string {
	for i := 1; i <= n; i++ {
		next := ""
		if i < n {
			next = fmt.Sprintf("page-%d.xml", i+1)
		}
		s.pages[fmt.Sprintf("http://host/opds/page-%d.xml", i)] = feedtest.Feed(
			fmt.Sprintf("Page %d", i), next, feedtest.Books((i-1)*perPage+1, perPage)...)
	}
	return "http://host/opds/page-1.xml"
}

func drain(t *testing.T, ctx context.Context, w *Walker) ([]*Batch, error) {
	t.Helper()
	var batches []*Batch
	for {
		batch, err := w.Next(ctx)
		if errors.Is(err, ErrWalkDone) {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
}

func TestWalkerFollowsNextLinks(t *testing.T) {
	site := newFakeSite()
	start := site.chain(3, 2)

	w := NewWalker(site.fetch, start, WalkerOptions{})
	batches, err := drain(t, context.Background(), w)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	for i, batch := range batches {
		if batch.Page != i+1 {
			t.Errorf("batch %d page = %d", i, batch.Page)
		}
		if len(batch.Items) != 2 {
			t.Errorf("batch %d items = %d", i, len(batch.Items))
		}
	}
	if got := batches[2].Items[0].DownloadLinks[0]; got != "http://host/get/book-5.epub" {
		t.Errorf("links resolved against page url, got %q", got)
	}
	if !w.Done() || w.Pages() != 3 {
		t.Errorf("done=%v pages=%d", w.Done(), w.Pages())
	}

	if _, err := w.Next(context.Background()); !errors.Is(err, ErrWalkDone) {
		t.Errorf("walker must not restart, got %v", err)
	}
	if site.fetchCount() != 3 {
		t.Errorf("fetches = %d, want 3", site.fetchCount())
	}
}

func TestWalkerFirstNextLinkWins(t *testing.T) {
	site := newFakeSite()
	site.pages["http://host/a.xml"] = `<feed xmlns="http://www.w3.org/2005/Atom">
  <link rel="next" href="/b.xml"/>
  <link rel="next" href="/c.xml"/>
</feed>`
	site.pages["http://host/b.xml"] = feedtest.Feed("b", "")

	batches, err := drain(t, context.Background(), NewWalker(site.fetch, "http://host/a.xml", WalkerOptions{}))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(batches) != 2 || batches[1].URL != "http://host/b.xml" {
		t.Fatalf("unexpected walk %+v", batches)
	}
}

func TestWalkerCancelAfterFirstBatch(t *testing.T) {
	site := newFakeSite()
	start := site.chain(3, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWalker(site.fetch, start, WalkerOptions{})

	var batches []*Batch
	for {
		batch, err := w.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected cancellation, got %v", err)
			}
			break
		}
		batches = append(batches, batch)
		cancel()
	}
	if len(batches) > 1 {
		t.Fatalf("batches after cancel = %d, want at most 1", len(batches))
	}
	if site.fetchCount() != 1 {
		t.Fatalf("no fetch should start after cancellation, fetched %d", site.fetchCount())
	}
}

func TestWalkerCancelDuringFetchDropsPage(t *testing.T) {
	site := newFakeSite()
	start := site.chain(2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	site.onFetch = func(string) { cancel() }

	w := NewWalker(site.fetch, start, WalkerOptions{})
	batch, err := w.Next(ctx)
	if !errors.Is(err, context.Canceled) || batch != nil {
		t.Fatalf("expected cancellation without batch, got %v, %v", batch, err)
	}
}

func TestWalkerFirstPageFailure(t *testing.T) {
	site := newFakeSite()
	boom := errors.New("boom")
	site.fail["http://host/opds"] = boom

	_, err := NewWalker(site.fetch, "http://host/opds", WalkerOptions{}).Next(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected first page error, got %v", err)
	}
	var partial ErrPartialPagination
	if errors.As(err, &partial) {
		t.Fatalf("first page failure must not be partial")
	}
}

func TestWalkerPartialPaginationFailure(t *testing.T) {
	site := newFakeSite()
	start := site.chain(3, 1)
	boom := errors.New("gateway timeout")
	site.fail["http://host/opds/page-2.xml"] = boom

	w := NewWalker(site.fetch, start, WalkerOptions{})
	batches, err := drain(t, context.Background(), w)
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	var partial ErrPartialPagination
	if !errors.As(err, &partial) {
		t.Fatalf("expected partial pagination error, got %v", err)
	}
	if partial.URL != "http://host/opds/page-2.xml" || partial.Delivered != 1 || !errors.Is(err, boom) {
		t.Fatalf("unexpected partial error %+v", partial)
	}
	if _, again := w.Next(context.Background()); !errors.As(again, &partial) {
		t.Fatalf("walker errors should be sticky, got %v", again)
	}
}

func TestWalkerStopsOnCycle(t *testing.T) {
	site := newFakeSite()
	site.pages["http://host/1.xml"] = feedtest.Feed("1", "2.xml", feedtest.Books(1, 1)...)
	site.pages["http://host/2.xml"] = feedtest.Feed("2", "/1.xml", feedtest.Books(2, 1)...)

	batches, err := drain(t, context.Background(), NewWalker(site.fetch, "http://host/1.xml", WalkerOptions{}))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
}

func TestWalkerMaxPages(t *testing.T) {
	site := newFakeSite()
	start := site.chain(5, 1)

	batches, err := drain(t, context.Background(), NewWalker(site.fetch, start, WalkerOptions{MaxPages: 2}))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(batches) != 2 || site.fetchCount() != 2 {
		t.Fatalf("batches = %d fetches = %d, want 2/2", len(batches), site.fetchCount())
	}
}
