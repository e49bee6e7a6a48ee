package calibre

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-opds-catalog/models"
)

type fakeGetter struct {
	bodies map[string]string
	calls  []string
}

func (f *fakeGetter) Get(ctx context.Context, rawURL string, creds *models.Credentials) ([]byte, error) {
	f.calls = append(f.calls, rawURL)
	body, ok := f.bodies[rawURL]
	if !ok {
		return nil, fmt.Errorf("unexpected url %s", rawURL)
	}
	return []byte(body), nil
}

func TestIsCalibreServer(t *testing.T) {
	tests := map[string]bool{
		"calibre 7.4.0": true,
		"Calibre":       true,
		"nginx/1.25":    false,
		"none":          false,
		"":              false,
	}
	for identity, want := range tests {
		if got := IsCalibreServer(identity); got != want {
			t.Errorf("IsCalibreServer(%q) = %v, want %v", identity, got, want)
		}
	}
}

func TestTimestamps(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{
		"http://nas:8080/ajax/search":                 `{"total_num": 3, "book_ids": [1, 2]}`,
		"http://nas:8080/ajax/search?num=3&offset=0": `{"total_num": 3, "book_ids": [1, 2, 3]}`,
		"http://nas:8080/ajax/books?ids=1,2,3": `{
			"1": {"uuid": "aaa", "timestamp": "2021-03-01T10:00:00+00:00"},
			"2": {"uuid": "bbb", "timestamp": "2020-12-24T18:30:15.250000+00:00"},
			"3": null
		}`,
	}}

	stamps, err := NewClient(getter).Timestamps(context.Background(), "http://nas:8080/opds/nav/abc?offset=0", nil)
	if err != nil {
		t.Fatalf("Timestamps: %v", err)
	}
	if len(stamps) != 2 {
		t.Fatalf("stamps = %v", stamps)
	}
	if want := time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC); !stamps["aaa"].Equal(want) {
		t.Errorf("aaa = %v, want %v", stamps["aaa"], want)
	}
	if want := time.Date(2020, 12, 24, 18, 30, 15, 0, time.UTC); !stamps["bbb"].Equal(want) {
		t.Errorf("bbb = %v, want %v", stamps["bbb"], want)
	}
	if len(getter.calls) != 3 {
		t.Errorf("calls = %v", getter.calls)
	}
}

func TestTimestampsSplitsLargeLibraries(t *testing.T) {
	total := idsPerCall + 50
	ids := make([]string, total)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	getter := &fakeGetter{bodies: map[string]string{
		"http://nas/ajax/search": fmt.Sprintf(`{"total_num": %d, "book_ids": [1]}`, total),
		fmt.Sprintf("http://nas/ajax/search?num=%d&offset=0", total): fmt.Sprintf(`{"total_num": %d, "book_ids": [%s]}`, total, strings.Join(ids, ", ")),
		"http://nas/ajax/books?ids=" + strings.Join(ids[:idsPerCall], ","): `{"1": {"uuid": "first", "timestamp": "2021-03-01T10:00:00+00:00"}}`,
		"http://nas/ajax/books?ids=" + strings.Join(ids[idsPerCall:], ","): `{"300": {"uuid": "last", "timestamp": "2022-03-01T10:00:00+00:00"}}`,
	}}

	stamps, err := NewClient(getter).Timestamps(context.Background(), "http://nas/opds", nil)
	if err != nil {
		t.Fatalf("Timestamps: %v", err)
	}
	if len(stamps) != 2 || stamps["first"].IsZero() || stamps["last"].IsZero() {
		t.Fatalf("stamps = %v", stamps)
	}
	if len(getter.calls) != 4 {
		t.Fatalf("calls = %d, want 2 searches and 2 metadata requests", len(getter.calls))
	}
}

func TestTimestampsEmptyLibrary(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{
		"http://nas/ajax/search": `{"total_num": 0, "book_ids": []}`,
	}}
	stamps, err := NewClient(getter).Timestamps(context.Background(), "http://nas/opds", nil)
	if err != nil || len(stamps) != 0 {
		t.Fatalf("Timestamps = %v, %v", stamps, err)
	}
	if len(getter.calls) != 1 {
		t.Fatalf("empty library should stop after counting, calls = %v", getter.calls)
	}
}

func TestTimestampsPropagatesErrors(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{
		"http://nas/ajax/search": `not json`,
	}}
	if _, err := NewClient(getter).Timestamps(context.Background(), "http://nas/opds", nil); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := NewClient(getter).Timestamps(context.Background(), "::", nil); err == nil {
		t.Fatalf("expected invalid url error")
	}

	failing := &fakeGetter{}
	_, err := NewClient(failing).Timestamps(context.Background(), "http://nas/opds", nil)
	if err == nil || errors.Unwrap(err) == nil {
		t.Fatalf("expected wrapped getter error, got %v", err)
	}
}

func TestApply(t *testing.T) {
	old := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	known := models.NewBook("Known", nil, nil)
	known.UUID = "aaa"
	known.Updated = old
	unknown := models.NewBook("Unknown", nil, nil)
	unknown.UUID = "zzz"
	unknown.Updated = old
	sub := models.NewSubCatalog("Sub", "http://nas/sub")

	stamp := time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC)
	items := []*models.CatalogItem{known, unknown, sub}
	out, changed := Apply(items, map[string]time.Time{"aaa": stamp})

	if changed != 1 {
		t.Fatalf("changed = %d, want 1", changed)
	}
	if !out[0].Updated.Equal(stamp) {
		t.Errorf("known updated = %v", out[0].Updated)
	}
	if out[0] == known || !known.Updated.Equal(old) {
		t.Errorf("Apply must not mutate the original item")
	}
	if out[1] != unknown || out[2] != sub {
		t.Errorf("unchanged items should be passed through")
	}
}
