// Package navigator drives catalog browsing: root load, descent into
// sub-catalogs with background pagination, back, refresh and cancel.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-opds-catalog/calibre"
	"github.com/aluiziolira/go-opds-catalog/catalog"
	"github.com/aluiziolira/go-opds-catalog/fetcher"
	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
	"github.com/aluiziolira/go-opds-catalog/pipeline"
)

var (
	// ErrSuperseded is returned by a load that was cancelled or replaced by a
	// newer one before it could be applied.
	ErrSuperseded = errors.New("navigator: load superseded")
	// ErrNotACatalog is returned when descending into a non-catalog item.
	ErrNotACatalog = errors.New("navigator: item is not a sub-catalog")
)

const enrichTimeout = time.Minute

// Fetcher loads one feed page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, creds *models.Credentials) (*models.Feed, error)
}

// CredentialsProvider asks the user for Basic credentials. ok is false when
// the user declined.
type CredentialsProvider interface {
	Credentials(ctx context.Context, rawURL, realm string) (creds models.Credentials, ok bool, err error)
}

// Downloader handles activation of a book with download links.
type Downloader interface {
	Download(ctx context.Context, item *models.CatalogItem) error
}

// Enricher loads vendor timestamps keyed by uuid.
type Enricher interface {
	Timestamps(ctx context.Context, opdsURL string, creds *models.Credentials) (map[string]time.Time, error)
}

// Options configures a Navigator. Zero values disable the optional
// collaborators.
type Options struct {
	RootURL            string
	MaxPages           int
	ContinuationBuffer int
	StopTimeout        time.Duration

	Credentials CredentialsProvider
	Downloader  Downloader
	Enricher    Enricher
	// OnWarning receives non-fatal failures such as partial pagination.
	OnWarning func(error)
}

type target struct {
	url   string
	title string
	root  bool
}

// Navigator is safe for concurrent use. Network calls never run under its
// lock; results are applied only if their generation is still current.
type Navigator struct {
	fetcher Fetcher
	store   *catalog.Store
	opts    Options

	mu             sync.Mutex
	state          State
	prevState      State
	lastErr        error
	generation     uint64
	firstCancel    context.CancelFunc
	bgCancel       context.CancelFunc
	bgDone         chan struct{}
	cont           *pipeline.Continuation
	stack          []models.Snapshot
	pendingDescent bool
	breadcrumbs    []string
	currentURL     string
	serverIdentity string
	target         target
}

// New builds a navigator over store. Observers registered on store see every
// change; they must not call back into the navigator.
func New(f Fetcher, store *catalog.Store, opts Options) (*Navigator, error) {
	if f == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.RootURL == "" {
		return nil, fmt.Errorf("root URL cannot be empty")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	return &Navigator{
		fetcher:        f,
		store:          store,
		opts:           opts,
		state:          StateRoot,
		serverIdentity: "none",
	}, nil
}

// Store returns the backing catalog store.
func (n *Navigator) Store() *catalog.Store {
	return n.store
}

// State returns the current state.
func (n *Navigator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the error behind StateError.
func (n *Navigator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

// Breadcrumbs returns the titles of the catalogs descended into.
func (n *Navigator) Breadcrumbs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.breadcrumbs...)
}

// CurrentURL returns the URL of the displayed catalog.
func (n *Navigator) CurrentURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentURL
}

// ServerIdentity returns the Server header of the displayed catalog.
func (n *Navigator) ServerIdentity() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serverIdentity
}

// Depth returns the number of snapshots Back can restore.
func (n *Navigator) Depth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.stack)
}

// LoadRoot fetches the root feed and shows its entries as sub-catalogs.
// Success clears the back stack and breadcrumbs.
func (n *Navigator) LoadRoot(ctx context.Context) error {
	rootURL := n.opts.RootURL

	n.mu.Lock()
	cont := n.beginLocked(StateLoadingRoot, target{url: rootURL, root: true})
	gen := n.generation
	ctx, cancel := context.WithCancel(ctx)
	n.firstCancel = cancel
	n.mu.Unlock()
	n.stopContinuation(cont)
	defer cancel()

	slog.Info("loading root catalog", slog.String("url", rootURL))
	feed, err := n.FetchPage(ctx, rootURL)

	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.generation {
		return ErrSuperseded
	}
	n.firstCancel = nil
	if err != nil {
		return n.failLocked(err)
	}

	items := parser.RootCatalogs(feed, rootURL)
	n.stack = nil
	n.pendingDescent = false
	n.breadcrumbs = nil
	n.currentURL = rootURL
	n.serverIdentity = feed.ServerIdentity()
	n.state = StateCatalogLoaded
	n.lastErr = nil
	n.store.Reset(items)

	slog.Info("root catalog loaded",
		slog.Int("catalogs", len(items)),
		slog.String("server", n.serverIdentity),
	)
	return nil
}

// OpenCatalog descends into item and returns once its first page is shown.
// Remaining pages are appended in the background.
func (n *Navigator) OpenCatalog(ctx context.Context, item *models.CatalogItem) error {
	run, err := n.prepareDescent(ctx, item)
	if err != nil {
		return err
	}
	return run()
}

// OpenCatalogAsync starts a descent and returns immediately; the state is
// already StateLoadingCatalog on return. done, if non-nil, receives the
// outcome of the first page.
func (n *Navigator) OpenCatalogAsync(ctx context.Context, item *models.CatalogItem, done func(error)) error {
	run, err := n.prepareDescent(ctx, item)
	if err != nil {
		return err
	}
	go func() {
		err := run()
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Activate opens sub-catalogs and hands books to the Downloader. Books
// without download links are ignored.
func (n *Navigator) Activate(ctx context.Context, item *models.CatalogItem) error {
	switch {
	case item.IsSubCatalog():
		return n.OpenCatalog(ctx, item)
	case item.IsBook() && len(item.DownloadLinks) > 0:
		if n.opts.Downloader == nil {
			return nil
		}
		return n.opts.Downloader.Download(ctx, item)
	default:
		return nil
	}
}

// Back restores the most recent snapshot. It reports false when there is
// nothing to go back to.
func (n *Navigator) Back() bool {
	n.mu.Lock()
	if len(n.stack) == 0 {
		n.mu.Unlock()
		return false
	}
	snap := n.stack[len(n.stack)-1]
	n.stack = n.stack[:len(n.stack)-1]
	n.pendingDescent = false
	cont := n.detachLocked()

	n.currentURL = snap.URL
	n.serverIdentity = snap.ServerIdentity
	n.breadcrumbs = append([]string(nil), snap.Breadcrumbs...)
	n.target = target{url: snap.URL, root: len(n.stack) == 0}
	n.lastErr = nil
	if snap.URL == "" {
		n.state = StateRoot
	} else {
		n.state = StateCatalogLoaded
	}
	n.store.Reset(snap.Items)
	depth := len(n.stack)
	n.mu.Unlock()

	n.stopContinuation(cont)
	slog.Debug("navigated back", slog.Int("depth", depth), slog.String("url", snap.URL))
	return true
}

// Refresh reloads the displayed catalog, or the last one attempted after an
// error, keeping breadcrumbs. With nothing loaded it loads the root. A
// descent still waiting for its first page is abandoned in favour of the
// catalog on screen.
func (n *Navigator) Refresh(ctx context.Context) error {
	n.mu.Lock()
	t := n.target
	if n.pendingDescent {
		t = n.viewTargetLocked()
	}
	n.mu.Unlock()

	if t.root || t.url == "" {
		return n.LoadRoot(ctx)
	}
	run, err := n.prepareLoad(ctx, t, false)
	if err != nil {
		return err
	}
	return run()
}

// Cancel interrupts in-flight fetches and the background walk. The displayed
// items are left as they are.
func (n *Navigator) Cancel() {
	n.mu.Lock()
	cont := n.detachLocked()
	if n.state.loading() {
		n.state = n.prevState
	}
	n.mu.Unlock()
	n.stopContinuation(cont)
}

// WaitForContinuation blocks until the background walk (and enrichment) of
// the current catalog has finished, or ctx is done.
func (n *Navigator) WaitForContinuation(ctx context.Context) error {
	n.mu.Lock()
	done := n.bgDone
	n.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all background work.
func (n *Navigator) Close() {
	n.Cancel()
}

// viewTargetLocked describes the catalog currently shown.
func (n *Navigator) viewTargetLocked() target {
	if n.currentURL == "" || len(n.breadcrumbs) == 0 {
		return target{url: n.currentURL, root: true}
	}
	return target{url: n.currentURL, title: n.breadcrumbs[len(n.breadcrumbs)-1]}
}

func (n *Navigator) prepareDescent(ctx context.Context, item *models.CatalogItem) (func() error, error) {
	if !item.IsSubCatalog() || item.CatalogURL == "" {
		return nil, ErrNotACatalog
	}
	return n.prepareLoad(ctx, target{url: item.CatalogURL, title: item.Title}, true)
}

// prepareLoad switches to StateLoadingCatalog synchronously and returns the
// function performing the first-page fetch.
func (n *Navigator) prepareLoad(ctx context.Context, t target, descend bool) (func() error, error) {
	n.mu.Lock()
	cont := n.beginLocked(StateLoadingCatalog, t)
	gen := n.generation
	if descend {
		n.stack = append(n.stack, models.Snapshot{
			Items:          n.store.All(),
			ServerIdentity: n.serverIdentity,
			URL:            n.currentURL,
			Breadcrumbs:    append([]string(nil), n.breadcrumbs...),
		})
		n.pendingDescent = true
	}
	ctx, cancel := context.WithCancel(ctx)
	n.firstCancel = cancel
	n.mu.Unlock()
	n.stopContinuation(cont)

	return func() error {
		defer cancel()
		return n.completeLoad(ctx, gen, t, descend)
	}, nil
}

func (n *Navigator) completeLoad(ctx context.Context, gen uint64, t target, descend bool) error {
	slog.Info("loading catalog", slog.String("url", t.url), slog.String("title", t.title))

	walker := pipeline.NewWalker(n.FetchPage, t.url, pipeline.WalkerOptions{MaxPages: n.opts.MaxPages})
	batch, err := walker.Next(ctx)
	if err == nil {
		n.store.Warm(batch.Items)
	}

	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return ErrSuperseded
	}
	n.firstCancel = nil

	if err != nil {
		if descend && !isCancellation(err) {
			// Keep the snapshot so Back returns to the parent view.
			n.pendingDescent = false
			n.breadcrumbs = append(n.breadcrumbs, t.title)
		}
		err = n.failLocked(err)
		n.mu.Unlock()
		return err
	}

	n.pendingDescent = false
	if descend {
		n.breadcrumbs = append(n.breadcrumbs, t.title)
	}
	n.currentURL = t.url
	n.serverIdentity = batch.ServerIdentity
	n.state = StateCatalogLoaded
	n.lastErr = nil
	n.store.Reset(batch.Items)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	n.bgCancel = bgCancel
	done := make(chan struct{})
	n.bgDone = done
	var cont *pipeline.Continuation
	if !walker.Done() {
		cont = pipeline.StartContinuation(bgCtx, walker, n.opts.ContinuationBuffer)
		n.cont = cont
	}
	identity := n.serverIdentity
	n.mu.Unlock()

	slog.Info("catalog first page loaded",
		slog.String("url", t.url),
		slog.Int("items", len(batch.Items)),
		slog.Bool("more", cont != nil),
	)
	go n.background(bgCtx, gen, t.url, identity, cont, done)
	return nil
}

// background appends continuation batches while gen is current, then runs
// vendor enrichment.
func (n *Navigator) background(ctx context.Context, gen uint64, catalogURL, identity string, cont *pipeline.Continuation, done chan struct{}) {
	defer close(done)

	if cont != nil {
		for batch := range cont.Batches() {
			n.store.Warm(batch.Items)
			n.mu.Lock()
			if gen != n.generation {
				n.mu.Unlock()
				return
			}
			n.store.AppendBatch(batch.Items)
			n.mu.Unlock()
		}

		n.mu.Lock()
		if gen != n.generation {
			n.mu.Unlock()
			return
		}
		n.cont = nil
		n.mu.Unlock()

		if err := cont.Err(); err != nil {
			slog.Warn("catalog pagination stopped early",
				slog.String("url", catalogURL),
				slog.String("category", fetcher.ErrorLabel(err)),
				slog.Any("error", err),
			)
			n.warn(err)
		}
	}

	if n.opts.Enricher != nil && calibre.IsCalibreServer(identity) {
		n.enrich(ctx, gen, catalogURL)
	}
}

func (n *Navigator) enrich(ctx context.Context, gen uint64, catalogURL string) {
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	var creds *models.Credentials
	if c, ok := n.store.Credentials(catalogURL); ok {
		creds = &c
	}
	stamps, err := n.opts.Enricher.Timestamps(ctx, catalogURL, creds)
	if err != nil {
		if !isCancellation(err) {
			slog.Warn("calibre enrichment failed", slog.String("url", catalogURL), slog.Any("error", err))
			n.warn(fmt.Errorf("calibre timestamps: %w", err))
		}
		return
	}

	// Only this goroutine adds items for gen, so the list read here is the
	// one the generation check below protects.
	items, changed := calibre.Apply(n.store.All(), stamps)
	if changed == 0 {
		return
	}
	n.store.Warm(items)

	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.generation {
		return
	}
	n.store.Reset(items)
	slog.Debug("calibre enrichment applied", slog.Int("changed", changed))
}

// FetchPage fetches with remembered credentials and, on a Basic challenge,
// asks the provider once and retries once.
func (n *Navigator) FetchPage(ctx context.Context, pageURL string) (*models.Feed, error) {
	var creds *models.Credentials
	if c, ok := n.store.Credentials(pageURL); ok {
		creds = &c
	}
	feed, err := n.fetcher.Fetch(ctx, pageURL, creds)

	var authErr fetcher.ErrAuthRequired
	if !errors.As(err, &authErr) || n.opts.Credentials == nil {
		return feed, err
	}

	provided, ok, perr := n.opts.Credentials.Credentials(ctx, pageURL, authErr.Realm)
	if perr != nil {
		return nil, fmt.Errorf("obtain credentials: %w", perr)
	}
	if !ok {
		return nil, err
	}
	n.store.SetCredentials(pageURL, provided)

	feed, err = n.fetcher.Fetch(ctx, pageURL, &provided)
	if fetcher.IsAuthRequired(err) {
		n.store.ClearCredentials(pageURL)
	}
	return feed, err
}

// beginLocked starts a new load generation and returns the continuation to
// stop once the lock is released.
func (n *Navigator) beginLocked(state State, t target) *pipeline.Continuation {
	cont := n.detachLocked()
	if !n.state.loading() {
		n.prevState = n.state
	}
	n.state = state
	n.target = t
	return cont
}

// detachLocked invalidates every in-flight fetch and background walk of the
// current generation. A descent whose first page never arrived has its
// snapshot removed.
func (n *Navigator) detachLocked() *pipeline.Continuation {
	n.generation++
	if n.firstCancel != nil {
		n.firstCancel()
		n.firstCancel = nil
	}
	if n.bgCancel != nil {
		n.bgCancel()
		n.bgCancel = nil
	}
	n.bgDone = nil
	if n.pendingDescent && len(n.stack) > 0 {
		n.stack = n.stack[:len(n.stack)-1]
	}
	n.pendingDescent = false
	cont := n.cont
	n.cont = nil
	return cont
}

// failLocked records a first-page failure. Cancellation restores the state
// that preceded the load instead of entering StateError.
func (n *Navigator) failLocked(err error) error {
	if isCancellation(err) {
		if n.pendingDescent && len(n.stack) > 0 {
			n.stack = n.stack[:len(n.stack)-1]
		}
		n.pendingDescent = false
		n.state = n.prevState
		return err
	}
	n.state = StateError
	n.lastErr = err
	slog.Error("catalog load failed",
		slog.String("url", n.target.url),
		slog.String("category", fetcher.ErrorLabel(err)),
		slog.Any("error", err),
	)
	return err
}

func (n *Navigator) stopContinuation(cont *pipeline.Continuation) {
	if cont == nil {
		return
	}
	if !cont.Stop(n.opts.StopTimeout) {
		slog.Warn("background pagination detached", slog.Duration("timeout", n.opts.StopTimeout))
	}
}

func (n *Navigator) warn(err error) {
	if n.opts.OnWarning != nil {
		n.opts.OnWarning(err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
