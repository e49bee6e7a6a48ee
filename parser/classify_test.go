package parser

import (
	"reflect"
	"testing"
	"time"

	"github.com/aluiziolira/go-opds-catalog/models"
)

const testBase = "http://host/catalog/root.xml"

func TestClassifyLinkDispatch(t *testing.T) {
	tests := []struct {
		name       string
		links      []models.Link
		kind       models.ItemKind
		downloads  []string
		catalogURL string
	}{
		{
			name: "epub first",
			links: []models.Link{
				{Type: "application/pdf", Href: "/b.pdf"},
				{Type: "application/epub+zip", Href: "/a.epub"},
			},
			kind:      models.KindBook,
			downloads: []string{"http://host/a.epub", "http://host/b.pdf"},
		},
		{
			name: "epub then pdf keeps order",
			links: []models.Link{
				{Type: "application/epub+zip", Href: "A.epub"},
				{Type: "application/pdf", Href: "B.pdf"},
			},
			kind:      models.KindBook,
			downloads: []string{"http://host/catalog/A.epub", "http://host/catalog/B.pdf"},
		},
		{
			name: "several epubs stay in discovery order",
			links: []models.Link{
				{Type: "application/x-mobipocket-ebook", Href: "/1.mobi"},
				{Type: "application/epub+zip", Href: "/1.epub"},
				{Type: "application/epub+zip", Href: "/1.kepub.epub"},
			},
			kind:      models.KindBook,
			downloads: []string{"http://host/1.epub", "http://host/1.kepub.epub", "http://host/1.mobi"},
		},
		{
			name:       "only catalog link",
			links:      []models.Link{{Type: "application/atom+xml;profile=opds-catalog", Href: "/opds/authors"}},
			kind:       models.KindSubCatalog,
			catalogURL: "http://host/opds/authors",
		},
		{
			name: "first catalog link wins",
			links: []models.Link{
				{Type: "application/atom+xml", Href: "/first"},
				{Type: "application/atom+xml", Href: "/second"},
			},
			kind:       models.KindSubCatalog,
			catalogURL: "http://host/first",
		},
		{
			name: "download link beats catalog link",
			links: []models.Link{
				{Type: "application/atom+xml", Href: "/related"},
				{Type: "application/pdf", Href: "/b.pdf"},
			},
			kind:      models.KindBook,
			downloads: []string{"http://host/b.pdf"},
		},
		{
			name: "images only is inert",
			links: []models.Link{
				{Type: "image/jpeg", Href: "/cover.jpg"},
				{Type: "image/png", Href: "/thumb.png"},
			},
			kind: models.KindBook,
		},
		{
			name: "no links is inert",
			kind: models.KindBook,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := Classify(models.Entry{Title: "x", Links: tt.links}, testBase)
			if item.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v", item.Kind, tt.kind)
			}
			if len(item.DownloadLinks) != len(tt.downloads) || (len(tt.downloads) > 0 && !reflect.DeepEqual(item.DownloadLinks, tt.downloads)) {
				t.Fatalf("downloads = %v, want %v", item.DownloadLinks, tt.downloads)
			}
			if item.CatalogURL != tt.catalogURL {
				t.Fatalf("catalog url = %q, want %q", item.CatalogURL, tt.catalogURL)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	entry := models.Entry{
		ID:      "urn:uuid:6B4C9B3A-1D1E-4C0F-9A2B-0F1E2D3C4B5A",
		Title:   "Dune",
		Authors: []string{"Frank Herbert & Brian Herbert"},
		Summary: "TAGS: Fiction",
		Links:   []models.Link{{Type: "application/epub+zip", Href: "/dune.epub"}},
	}
	first := Classify(entry, testBase)
	second := Classify(entry, testBase)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("classify is not deterministic: %+v vs %+v", first, second)
	}
	if first.UUID != "6b4c9b3a-1d1e-4c0f-9a2b-0f1e2d3c4b5a" {
		t.Errorf("uuid = %q", first.UUID)
	}
	if want := []string{"Frank Herbert", "Brian Herbert"}; !reflect.DeepEqual(first.Authors, want) {
		t.Errorf("authors = %v, want %v", first.Authors, want)
	}
	if !first.Updated.Equal(DefaultTimestamp) {
		t.Errorf("updated = %v, want default epoch", first.Updated)
	}
}

func TestClassifyDefaults(t *testing.T) {
	item := Classify(models.Entry{ID: "urn:calibre:1"}, testBase)
	if item.Title != "No title" {
		t.Errorf("title = %q", item.Title)
	}
	if item.UUID != "" {
		t.Errorf("uuid = %q, want empty for non-uuid id", item.UUID)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2021, time.March, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		input string
		want  time.Time
	}{
		{input: "2021-03-01T10:00:00.123+02:00", want: want},
		{input: "2021-03-01T10:00:00Z", want: want},
		{input: "2021-03-01T10:00:00", want: want},
		{input: "2021-03-01T10:00:00+00:00", want: want},
		{input: "2021-03-01T10:00:00.5Z", want: want},
		{input: "2021-03-01T10:00:00-05:00", want: want},
		{input: "not a date", want: DefaultTimestamp},
		{input: "", want: DefaultTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseTimestamp(tt.input); !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name    string
		summary string
		want    []string
	}{
		{name: "simple", summary: "TAGS: Fiction, News", want: []string{"Fiction", "News"}},
		{name: "line break marker", summary: "RATING: 5\nTAGS: Poetry,Drama<br />\nSERIES: x", want: []string{"Poetry", "Drama"}},
		{name: "first line wins", summary: "TAGS: A\nTAGS: B", want: []string{"A"}},
		{name: "prefix must start line", summary: "SEE TAGS: A", want: nil},
		{name: "no tags", summary: "just a blurb", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTags(tt.summary)
			if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("ParseTags(%q) = %v, want %v", tt.summary, got, tt.want)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, href, want string
	}{
		{base: "http://host/catalog/root.xml", href: "../book.epub", want: "http://host/book.epub"},
		{base: "http://host/catalog/root.xml", href: "/opds/next", want: "http://host/opds/next"},
		{base: "http://host/catalog/root.xml", href: "https://cdn.example/x.pdf", want: "https://cdn.example/x.pdf"},
		{base: "http://host/opds?page=1", href: "?page=2", want: "http://host/opds?page=2"},
		{base: "", href: "/relative", want: "/relative"},
	}

	for _, tt := range tests {
		if got := ResolveURL(tt.base, tt.href); got != tt.want {
			t.Errorf("ResolveURL(%q, %q) = %q, want %q", tt.base, tt.href, got, tt.want)
		}
	}
}

func TestFormatLabel(t *testing.T) {
	tests := map[string]string{
		"http://host/get/book.epub":            "EPUB",
		"http://host/get/book.azw3?dl=1":       "AZW3",
		"http://host/get/epub/12":              "FILE",
		"http://host/files/the.title.fb2.zip": "ZIP",
	}
	for input, want := range tests {
		if got := FormatLabel(input); got != want {
			t.Errorf("FormatLabel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestRootCatalogs(t *testing.T) {
	feed := &models.Feed{Entries: []models.Entry{
		{Title: "Newest", Links: []models.Link{
			{Type: "image/png", Href: "/icon.png"},
			{Type: "application/atom+xml;profile=opds-catalog", Href: "/opds/newest"},
		}},
		{Title: "Plain", Links: []models.Link{{Href: "plain.xml"}}},
		{Title: "Newest", Links: []models.Link{{Href: "/dup"}}},
		{Title: "Empty"},
	}}

	items := RootCatalogs(feed, "http://host/opds")
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if !items[0].IsSubCatalog() || items[0].CatalogURL != "http://host/opds/newest" {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if items[1].CatalogURL != "http://host/plain.xml" {
		t.Errorf("unexpected second url %q", items[1].CatalogURL)
	}
	if len(items[0].Authors) != 0 || len(items[0].Tags) != 0 {
		t.Errorf("sub-catalogs should carry no authors or tags")
	}
}
