// Package library answers membership questions against a local calibre-style
// metadata database.
package library

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-opds-catalog/models"
)

const timestampLayout = "2006-01-02 15:04:05-07:00"

// Index wraps a sqlite database with calibre's books/authors layout.
type Index struct {
	db *sql.DB
}

// Open opens (and creates when missing) the database at path.
func Open(path string) (*Index, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create library directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Init creates the tables if they do not exist.
func (x *Index) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS books (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  title TEXT NOT NULL,
  uuid TEXT,
  timestamp TEXT
);
CREATE TABLE IF NOT EXISTS authors (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS books_authors_link (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  book INTEGER NOT NULL,
  author INTEGER NOT NULL,
  UNIQUE(book, author)
);
CREATE INDEX IF NOT EXISTS books_title_idx ON books (title COLLATE NOCASE);
`
	if _, err := x.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AddBook inserts a book with its authors and returns its id.
func (x *Index) AddBook(ctx context.Context, title string, authors []string, bookUUID string, ts time.Time) (int64, error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO books (title, uuid, timestamp) VALUES (?, ?, ?)`,
		title, bookUUID, formatTimestamp(ts))
	if err != nil {
		return 0, fmt.Errorf("insert book %q: %w", title, err)
	}
	bookID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("book id: %w", err)
	}

	for _, name := range authors {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO authors (name) VALUES (?)`, name); err != nil {
			return 0, fmt.Errorf("insert author %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO books_authors_link (book, author)
SELECT ?, id FROM authors WHERE name = ?
`, bookID, name); err != nil {
			return 0, fmt.Errorf("link author %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return bookID, nil
}

// HasBook reports whether a book with the same title (case-insensitive)
// lists every one of the given authors. With no authors the title alone
// decides.
func (x *Index) HasBook(ctx context.Context, title string, authors []string) (bool, error) {
	candidates, err := x.candidates(ctx, title)
	if err != nil {
		return false, err
	}
	want := authorSet(authors)
	for _, bookAuthors := range candidates {
		if containsAll(authorSet(bookAuthors), want) {
			return true, nil
		}
	}
	return false, nil
}

// FindIdentical returns the ids of books matching title and authors. A book
// matches a single-author query when it lists that author. Multi-author
// queries are matched one author at a time and the results merged, since
// stores often disagree on how co-authors are recorded.
func (x *Index) FindIdentical(ctx context.Context, title string, authors []string) ([]int64, error) {
	candidates, err := x.candidates(ctx, title)
	if err != nil {
		return nil, err
	}

	ids := make(map[int64]struct{})
	if len(authors) < 2 {
		want := authorSet(authors)
		for id, bookAuthors := range candidates {
			if containsAll(authorSet(bookAuthors), want) {
				ids[id] = struct{}{}
			}
		}
	} else {
		for _, author := range authors {
			want := authorSet([]string{author})
			for id, bookAuthors := range candidates {
				if containsAll(authorSet(bookAuthors), want) {
					ids[id] = struct{}{}
				}
			}
		}
	}

	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SetTimestamp overwrites the timestamp of every listed book.
func (x *Index) SetTimestamp(ctx context.Context, ids []int64, ts time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE books SET timestamp = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare timestamp update: %w", err)
	}
	defer stmt.Close()

	value := formatTimestamp(ts)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, value, id); err != nil {
			return fmt.Errorf("set timestamp of book %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Timestamp returns the stored timestamp of one book.
func (x *Index) Timestamp(ctx context.Context, id int64) (time.Time, error) {
	var raw sql.NullString
	err := x.db.QueryRowContext(ctx, `SELECT timestamp FROM books WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("query timestamp of book %d: %w", id, err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(timestampLayout, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp of book %d: %w", id, err)
	}
	return ts.UTC(), nil
}

// FixTimestamps copies each book item's timestamp onto its identical local
// books and returns how many local books were updated.
func (x *Index) FixTimestamps(ctx context.Context, items []*models.CatalogItem) (int, error) {
	updated := 0
	for _, item := range items {
		if !item.IsBook() || !item.HasUpdated() {
			continue
		}
		ids, err := x.FindIdentical(ctx, item.Title, item.Authors)
		if err != nil {
			return updated, err
		}
		if err := x.SetTimestamp(ctx, ids, item.Updated); err != nil {
			return updated, err
		}
		updated += len(ids)
	}
	return updated, nil
}

func (x *Index) candidates(ctx context.Context, title string) (map[int64][]string, error) {
	rows, err := x.db.QueryContext(ctx, `
SELECT b.id, a.name
FROM books b
LEFT JOIN books_authors_link l ON l.book = b.id
LEFT JOIN authors a ON a.id = l.author
WHERE b.title = ? COLLATE NOCASE
`, strings.TrimSpace(title))
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan book row: %w", err)
		}
		if _, ok := out[id]; !ok {
			out[id] = nil
		}
		if name.Valid {
			out[id] = append(out[id], name.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate book rows: %w", err)
	}
	return out, nil
}

func authorSet(authors []string) map[string]struct{} {
	set := make(map[string]struct{}, len(authors))
	for _, name := range authors {
		if n := normalizeAuthor(name); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func containsAll(have, want map[string]struct{}) bool {
	for name := range want {
		if _, ok := have[name]; !ok {
			return false
		}
	}
	return true
}

// normalizeAuthor folds case and whitespace and turns "Last, First" into
// "first last".
func normalizeAuthor(name string) string {
	name = strings.TrimSpace(name)
	if last, first, ok := strings.Cut(name, ","); ok && !strings.Contains(first, ",") {
		name = strings.TrimSpace(first) + " " + strings.TrimSpace(last)
	}
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func formatTimestamp(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(timestampLayout)
}
