package library

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aluiziolira/go-opds-catalog/models"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "library", "metadata.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	if err := idx.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return idx
}

func mustAdd(t *testing.T, idx *Index, title string, authors ...string) int64 {
	t.Helper()
	id, err := idx.AddBook(context.Background(), title, authors, "", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("AddBook(%q) returned error: %v", title, err)
	}
	return id
}

func TestIndexHasBook(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	mustAdd(t, idx, "Dune", "Frank Herbert")
	mustAdd(t, idx, "Good Omens", "Terry Pratchett", "Neil Gaiman")

	tests := []struct {
		name    string
		title   string
		authors []string
		want    bool
	}{
		{name: "exact", title: "Dune", authors: []string{"Frank Herbert"}, want: true},
		{name: "case insensitive", title: "dune", authors: []string{"frank  herbert"}, want: true},
		{name: "last first order", title: "Dune", authors: []string{"Herbert, Frank"}, want: true},
		{name: "title only", title: "DUNE", want: true},
		{name: "wrong author", title: "Dune", authors: []string{"Brian Herbert"}, want: false},
		{name: "one of the local co-authors", title: "Good Omens", authors: []string{"Neil Gaiman"}, want: true},
		{name: "all co-authors", title: "Good Omens", authors: []string{"Neil Gaiman", "Terry Pratchett"}, want: true},
		{name: "one co-author unknown", title: "Good Omens", authors: []string{"Neil Gaiman", "Someone Else"}, want: false},
		{name: "missing", title: "Emma", authors: []string{"Jane Austen"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.HasBook(ctx, tt.title, tt.authors)
			if err != nil {
				t.Fatalf("HasBook returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("HasBook(%q, %v) = %v, want %v", tt.title, tt.authors, got, tt.want)
			}
		})
	}
}

func TestIndexFindIdenticalMultipleAuthors(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	pratchett := mustAdd(t, idx, "Good Omens", "Terry Pratchett")
	gaiman := mustAdd(t, idx, "Good Omens", "Neil Gaiman")
	mustAdd(t, idx, "Good Omens", "Someone Else")
	mustAdd(t, idx, "Night Watch", "Terry Pratchett")

	got, err := idx.FindIdentical(ctx, "Good Omens", []string{"Terry Pratchett", "Neil Gaiman"})
	if err != nil {
		t.Fatalf("FindIdentical returned error: %v", err)
	}
	if want := []int64{pratchett, gaiman}; !reflect.DeepEqual(got, want) {
		t.Fatalf("FindIdentical = %v, want %v", got, want)
	}

	single, err := idx.FindIdentical(ctx, "good omens", []string{"Neil Gaiman"})
	if err != nil {
		t.Fatalf("FindIdentical returned error: %v", err)
	}
	if want := []int64{gaiman}; !reflect.DeepEqual(single, want) {
		t.Fatalf("FindIdentical single = %v, want %v", single, want)
	}
}

func TestIndexSetTimestamp(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	id := mustAdd(t, idx, "Dune", "Frank Herbert")

	ts := time.Date(2021, time.March, 1, 10, 0, 0, 0, time.UTC)
	if err := idx.SetTimestamp(ctx, []int64{id}, ts); err != nil {
		t.Fatalf("SetTimestamp returned error: %v", err)
	}
	got, err := idx.Timestamp(ctx, id)
	if err != nil {
		t.Fatalf("Timestamp returned error: %v", err)
	}
	if !got.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got, ts)
	}
	if err := idx.SetTimestamp(ctx, nil, ts); err != nil {
		t.Fatalf("empty SetTimestamp returned error: %v", err)
	}
}

func TestIndexFixTimestamps(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	a := mustAdd(t, idx, "Good Omens", "Terry Pratchett")
	b := mustAdd(t, idx, "Good Omens", "Neil Gaiman")

	remote := models.NewBook("Good Omens", []string{"Terry Pratchett", "Neil Gaiman"}, nil)
	remote.Updated = time.Date(2019, time.May, 31, 8, 30, 0, 0, time.UTC)
	sub := models.NewSubCatalog("Good Omens", "http://host/sub")

	updated, err := idx.FixTimestamps(ctx, []*models.CatalogItem{remote, sub})
	if err != nil {
		t.Fatalf("FixTimestamps returned error: %v", err)
	}
	if updated != 2 {
		t.Fatalf("updated = %d, want 2", updated)
	}
	for _, id := range []int64{a, b} {
		got, err := idx.Timestamp(ctx, id)
		if err != nil {
			t.Fatalf("Timestamp returned error: %v", err)
		}
		if !got.Equal(remote.Updated) {
			t.Fatalf("book %d timestamp = %v, want %v", id, got, remote.Updated)
		}
	}
}
