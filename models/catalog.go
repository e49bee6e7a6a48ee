// Package models defines data structures shared by the catalog client.
package models

import (
	"encoding/base64"
	"strings"
	"time"
)

// ItemKind tags which variant of CatalogItem is populated.
type ItemKind int

const (
	// KindBook is a downloadable entry (possibly inert when it has no links).
	KindBook ItemKind = iota
	// KindSubCatalog is a navigable entry pointing at another feed.
	KindSubCatalog
)

func (k ItemKind) String() string {
	switch k {
	case KindBook:
		return "book"
	case KindSubCatalog:
		return "catalog"
	default:
		return "unknown"
	}
}

// CatalogItem is one classified feed entry. Kind selects the variant:
// DownloadLinks is only meaningful for books, CatalogURL only for sub-catalogs.
// Items are treated as immutable once built; enrichment produces copies.
type CatalogItem struct {
	Kind    ItemKind  `json:"kind"`
	Title   string    `json:"title"`
	Authors []string  `json:"authors"`
	Tags    []string  `json:"tags"`
	Updated time.Time `json:"updated"`
	UUID    string    `json:"uuid,omitempty"`

	DownloadLinks []string `json:"download_links,omitempty"`
	CatalogURL    string   `json:"catalog_url,omitempty"`
}

// NewBook builds a book item.
func NewBook(title string, authors []string, links []string) *CatalogItem {
	return &CatalogItem{Kind: KindBook, Title: title, Authors: authors, DownloadLinks: links}
}

// NewSubCatalog builds a sub-catalog item.
func NewSubCatalog(title, catalogURL string) *CatalogItem {
	return &CatalogItem{Kind: KindSubCatalog, Title: title, CatalogURL: catalogURL}
}

// IsBook reports whether the item is the Book variant.
func (c *CatalogItem) IsBook() bool {
	return c != nil && c.Kind == KindBook
}

// IsSubCatalog reports whether the item is the SubCatalog variant.
func (c *CatalogItem) IsSubCatalog() bool {
	return c != nil && c.Kind == KindSubCatalog
}

// HasTag reports whether tag is one of the item's tags.
func (c *CatalogItem) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasUpdated reports whether the item carries a timestamp.
func (c *CatalogItem) HasUpdated() bool {
	return !c.Updated.IsZero()
}

// AuthorLine joins authors the way calibre displays them.
func (c *CatalogItem) AuthorLine() string {
	return strings.Join(c.Authors, " & ")
}

// Clone returns a deep copy that can be mutated freely.
func (c *CatalogItem) Clone() *CatalogItem {
	if c == nil {
		return nil
	}
	out := *c
	out.Authors = append([]string(nil), c.Authors...)
	out.Tags = append([]string(nil), c.Tags...)
	out.DownloadLinks = append([]string(nil), c.DownloadLinks...)
	return &out
}

// Credentials are HTTP Basic credentials for one catalog origin.
type Credentials struct {
	Username string
	Password string
}

// AuthorizationHeader renders the Basic Authorization header value.
func (c Credentials) AuthorizationHeader() string {
	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return "Basic " + token
}

// Snapshot captures one navigation level so Back can restore it verbatim.
type Snapshot struct {
	Items          []*CatalogItem
	ServerIdentity string
	URL            string
	Breadcrumbs    []string
}

// CopyItems returns a shallow copy of an item slice.
func CopyItems(items []*CatalogItem) []*CatalogItem {
	if items == nil {
		return nil
	}
	out := make([]*CatalogItem, len(items))
	copy(out, items)
	return out
}
