package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-opds-catalog/models"
)

var (
	// ErrExporterClosed is returned when Process is called after shutdown.
	ErrExporterClosed = errors.New("pipeline: exporter closed")
	// ErrExporterCloseTimeout is returned when workers do not drain in time.
	ErrExporterCloseTimeout = errors.New("pipeline: exporter close timed out")
)

var drainTimeout = 30 * time.Second

// Exporter batches catalog items into an OutputWriter, dropping invalid
// records and duplicates.
type Exporter struct {
	writer    OutputWriter
	itemCh    chan *models.CatalogItem
	batchSize int

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	stats exportStats

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewExporter builds an exporter flushing every batchSize items.
func NewExporter(writer OutputWriter, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Exporter{
		writer:    writer,
		itemCh:    make(chan *models.CatalogItem, 4*batchSize),
		batchSize: batchSize,
		seen:      make(map[string]struct{}),
		stats:     newExportStats(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines. One worker keeps page order.
func (e *Exporter) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Process enqueues items for writing.
func (e *Exporter) Process(items ...*models.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}

	closed, err := e.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrExporterClosed
	}

	for _, item := range items {
		if item == nil {
			continue
		}
		if err := e.enqueue(item); err != nil {
			return err
		}
	}
	return nil
}

// Close stops intake and waits for workers to flush.
func (e *Exporter) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.signalShutdown()
	e.closeOnce.Do(func() {
		close(e.itemCh)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return e.Err()
	case <-timer.C:
		return ErrExporterCloseTimeout
	}
}

// Err returns the first error encountered during writing.
func (e *Exporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() ExportStats {
	return e.stats.snapshot()
}

// StartProgressReporting logs counters every interval until Close.
func (e *Exporter) StartProgressReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := e.Stats()
				slog.Info("export progress",
					slog.Int64("written", stats.Written),
					slog.Int("skipped", stats.SkippedTotal()),
				)
			case <-e.shutdown:
				return
			}
		}
	}()
}

func (e *Exporter) worker() {
	defer e.wg.Done()

	batch := make([]*models.CatalogItem, 0, e.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.writer.Write(batch); err != nil {
			return err
		}
		e.stats.addWritten(len(batch))
		batch = batch[:0]
		return nil
	}

	for item := range e.itemCh {
		if !e.accept(item) {
			continue
		}
		batch = append(batch, item)
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				e.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		e.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (e *Exporter) accept(item *models.CatalogItem) bool {
	if strings.TrimSpace(item.Title) == "" {
		e.stats.addSkipped("invalid_record")
		return false
	}

	key := itemKey(item)
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, ok := e.seen[key]; ok {
		e.stats.addSkipped("duplicate")
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

func itemKey(item *models.CatalogItem) string {
	if item.UUID != "" {
		return "uuid:" + item.UUID
	}
	target := item.CatalogURL
	if len(item.DownloadLinks) > 0 {
		target = item.DownloadLinks[0]
	}
	return item.Kind.String() + "|" + item.Title + "|" + target
}

func (e *Exporter) enqueue(item *models.CatalogItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrExporterClosed
		}
	}()

	select {
	case <-e.shutdown:
		return ErrExporterClosed
	case e.itemCh <- item:
		return nil
	}
}

func (e *Exporter) setErr(err error) {
	if err == nil {
		return
	}

	e.mu.Lock()
	if e.err != nil {
		e.mu.Unlock()
		return
	}
	e.err = err
	e.closed = true
	e.mu.Unlock()

	e.signalShutdown()
}

func (e *Exporter) state() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.err
}

func (e *Exporter) signalShutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdown)
	})
}

// ExportStats counts written and skipped records.
type ExportStats struct {
	Written int64
	Skipped map[string]int
}

// SkippedTotal sums skipped records across reasons.
func (s ExportStats) SkippedTotal() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

type exportStats struct {
	mu      sync.Mutex
	written int64
	skipped map[string]int
}

func newExportStats() exportStats {
	return exportStats{skipped: make(map[string]int)}
}

func (s *exportStats) addWritten(n int) {
	s.mu.Lock()
	s.written += int64(n)
	s.mu.Unlock()
}

func (s *exportStats) addSkipped(reason string) {
	s.mu.Lock()
	s.skipped[reason]++
	s.mu.Unlock()
}

func (s *exportStats) snapshot() ExportStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := make(map[string]int, len(s.skipped))
	for k, v := range s.skipped {
		skipped[k] = v
	}
	return ExportStats{Written: s.written, Skipped: skipped}
}

// Export walks every page of w, passes each batch through filter (nil keeps
// everything) and feeds the result to exporter. A partial pagination failure
// is reported in the stats and returned after the delivered pages are
// exported.
func Export(ctx context.Context, w *Walker, filter func([]*models.CatalogItem) []*models.CatalogItem, exporter *Exporter) (models.FetchStats, error) {
	var stats models.FetchStats
	err := w.Each(ctx, func(batch *Batch) error {
		items := batch.Items
		if filter != nil {
			items = filter(items)
		}
		stats.Pages++
		stats.Items += len(items)
		slog.Debug("export page",
			slog.Int("page", batch.Page),
			slog.String("url", batch.URL),
			slog.Int("items", len(items)),
		)
		return exporter.Process(items...)
	})

	var partial ErrPartialPagination
	if errors.As(err, &partial) {
		stats.Partial = true
		stats.FailedURL = partial.URL
	}
	return stats, err
}
