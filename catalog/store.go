// Package catalog holds the in-memory item collection behind a catalog view.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

// NewsTag marks periodical downloads hidden by FilterNewspapers.
const NewsTag = "News"

const libraryTimeout = 5 * time.Second

// FilterKind selects one of the store's visibility toggles.
type FilterKind int

const (
	// FilterNewspapers hides items tagged "News".
	FilterNewspapers FilterKind = iota
	// FilterInLibrary hides books the local library already has.
	FilterInLibrary
)

func (k FilterKind) String() string {
	switch k {
	case FilterNewspapers:
		return "hide_newspapers"
	case FilterInLibrary:
		return "hide_in_library"
	default:
		return "unknown"
	}
}

// LibraryChecker answers whether the local library already holds a book.
type LibraryChecker interface {
	HasBook(ctx context.Context, title string, authors []string) (bool, error)
}

// Observer is told about every visible-list change. Callbacks run after the
// store lock is released, in mutation order.
type Observer interface {
	Reset(visible []*models.CatalogItem)
	Appended(start int, items []*models.CatalogItem)
}

// Store keeps every fetched item plus the subsequence passing the active
// filters. Visible is always a filtered projection of All.
type Store struct {
	mu      sync.RWMutex
	all     []*models.CatalogItem
	visible []*models.CatalogItem

	hideNewspapers bool
	hideInLibrary  bool

	library      LibraryChecker
	libraryCache *lru.Cache[*models.CatalogItem, bool]

	observers   []Observer
	credentials map[string]models.Credentials
}

// NewStore builds an empty store. library may be nil; cacheSize bounds the
// per-item library cache.
func NewStore(library LibraryChecker, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		return nil, fmt.Errorf("library cache size must be positive")
	}
	cache, err := lru.New[*models.CatalogItem, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create library cache: %w", err)
	}
	return &Store{
		library:      library,
		libraryCache: cache,
		credentials:  make(map[string]models.Credentials),
	}, nil
}

// AddObserver registers o for future notifications.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// SetLibrary swaps the library collaborator and forgets cached answers.
func (s *Store) SetLibrary(library LibraryChecker) {
	s.mu.Lock()
	s.library = library
	s.libraryCache.Purge()
	visible := s.recomputeLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notifyReset(observers, visible)
}

// Reset replaces every item and recomputes the visible list.
func (s *Store) Reset(items []*models.CatalogItem) {
	s.mu.Lock()
	s.all = models.CopyItems(items)
	if s.all == nil {
		s.all = []*models.CatalogItem{}
	}
	visible := s.recomputeLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notifyReset(observers, visible)
}

// AppendBatch adds a page of items and returns the subset that became
// visible. Hidden items are still kept so a later filter change can reveal
// them; a batch with no visible items sends no notification.
func (s *Store) AppendBatch(items []*models.CatalogItem) []*models.CatalogItem {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	s.all = append(s.all, items...)
	accepted := s.filterLocked(items)
	if len(accepted) == 0 {
		s.mu.Unlock()
		return nil
	}
	start := len(s.visible)
	s.visible = append(s.visible, accepted...)
	observers := s.observersLocked()
	s.mu.Unlock()

	for _, o := range observers {
		o.Appended(start, models.CopyItems(accepted))
	}
	return accepted
}

// SetFilter toggles one filter. It reports whether anything changed; an
// unchanged value is a no-op without notification.
func (s *Store) SetFilter(kind FilterKind, value bool) bool {
	s.mu.Lock()
	switch kind {
	case FilterNewspapers:
		if s.hideNewspapers == value {
			s.mu.Unlock()
			return false
		}
		s.hideNewspapers = value
	case FilterInLibrary:
		if s.hideInLibrary == value {
			s.mu.Unlock()
			return false
		}
		s.hideInLibrary = value
	default:
		s.mu.Unlock()
		return false
	}
	visible := s.recomputeLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	slog.Debug("catalog filter changed",
		slog.String("filter", kind.String()),
		slog.Bool("value", value),
		slog.Int("visible", len(visible)),
	)
	notifyReset(observers, visible)
	return true
}

// Filter returns the current value of a filter.
func (s *Store) Filter(kind FilterKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case FilterNewspapers:
		return s.hideNewspapers
	case FilterInLibrary:
		return s.hideInLibrary
	}
	return false
}

// Apply returns the items of a batch that pass the current filters without
// changing the store.
func (s *Store) Apply(items []*models.CatalogItem) []*models.CatalogItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(items)
}

// All returns a copy of every item in arrival order.
func (s *Store) All() []*models.CatalogItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CopyItems(s.all)
}

// Visible returns a copy of the filtered items.
func (s *Store) Visible() []*models.CatalogItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CopyItems(s.visible)
}

// Len returns the number of items and visible items.
func (s *Store) Len() (all, visible int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all), len(s.visible)
}

// Search returns visible items whose title, authors or formatted timestamp
// contain query, case-insensitively. An empty query matches everything.
func (s *Store) Search(query string) []*models.CatalogItem {
	query = strings.ToLower(strings.TrimSpace(query))
	visible := s.Visible()
	if query == "" {
		return visible
	}

	var out []*models.CatalogItem
	for _, item := range visible {
		if matches(item, query) {
			out = append(out, item)
		}
	}
	return out
}

func matches(item *models.CatalogItem, query string) bool {
	if strings.Contains(strings.ToLower(item.Title), query) {
		return true
	}
	for _, author := range item.Authors {
		if strings.Contains(strings.ToLower(author), query) {
			return true
		}
	}
	return item.HasUpdated() && strings.Contains(parser.FormatTimestamp(item.Updated), query)
}

// SetCredentials remembers Basic credentials for the origin of rawURL.
func (s *Store) SetCredentials(rawURL string, creds models.Credentials) {
	key := originKey(rawURL)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.credentials[key] = creds
	s.mu.Unlock()
}

// ClearCredentials forgets credentials for the origin of rawURL.
func (s *Store) ClearCredentials(rawURL string) {
	s.mu.Lock()
	delete(s.credentials, originKey(rawURL))
	s.mu.Unlock()
}

// Credentials returns remembered credentials for the origin of rawURL.
func (s *Store) Credentials(rawURL string) (models.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.credentials[originKey(rawURL)]
	return creds, ok
}

// AuthHeaders returns the headers a request to rawURL must carry.
func (s *Store) AuthHeaders(rawURL string) http.Header {
	headers := http.Header{}
	if creds, ok := s.Credentials(rawURL); ok {
		headers.Set("Authorization", creds.AuthorizationHeader())
	}
	return headers
}

func originKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}

func (s *Store) recomputeLocked() []*models.CatalogItem {
	s.visible = s.filterLocked(s.all)
	return models.CopyItems(s.visible)
}

func (s *Store) filterLocked(items []*models.CatalogItem) []*models.CatalogItem {
	out := make([]*models.CatalogItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if s.hideNewspapers && item.HasTag(NewsTag) {
			continue
		}
		if s.hideInLibrary && s.inLibraryLocked(item) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// inLibraryLocked consults the cache, then the library.
func (s *Store) inLibraryLocked(item *models.CatalogItem) bool {
	if !item.IsBook() || s.library == nil {
		return false
	}
	if cached, ok := s.libraryCache.Get(item); ok {
		return cached
	}
	found := checkLibrary(s.library, item)
	s.libraryCache.Add(item, found)
	return found
}

// Warm resolves library membership of items into the cache without holding
// the store lock, so a following AppendBatch does not query the library.
// It does nothing unless books in the library are hidden.
func (s *Store) Warm(items []*models.CatalogItem) {
	s.mu.RLock()
	library, enabled := s.library, s.hideInLibrary
	s.mu.RUnlock()
	if library == nil || !enabled {
		return
	}

	for _, item := range items {
		if item == nil || !item.IsBook() || s.libraryCache.Contains(item) {
			continue
		}
		found := checkLibrary(library, item)

		s.mu.RLock()
		current := s.library == library
		s.mu.RUnlock()
		if !current {
			return
		}
		s.libraryCache.Add(item, found)
	}
}

// checkLibrary asks library about item. Errors and panics count as
// "not in library".
func checkLibrary(library LibraryChecker, item *models.CatalogItem) (found bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("library check panicked",
				slog.String("title", item.Title),
				slog.Any("panic", r),
			)
			found = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), libraryTimeout)
	defer cancel()
	has, err := library.HasBook(ctx, item.Title, item.Authors)
	if err != nil {
		slog.Warn("library check failed",
			slog.String("title", item.Title),
			slog.Any("error", err),
		)
		return false
	}
	return has
}

func (s *Store) observersLocked() []Observer {
	if len(s.observers) == 0 {
		return nil
	}
	out := make([]Observer, len(s.observers))
	copy(out, s.observers)
	return out
}

func notifyReset(observers []Observer, visible []*models.CatalogItem) {
	for _, o := range observers {
		o.Reset(models.CopyItems(visible))
	}
}
