package parser

import (
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-opds-catalog/models"
)

const (
	// MediaTypeEPUB is preferred over every other download format.
	MediaTypeEPUB = "application/epub+zip"
	// MediaTypeAtom marks links to nested catalogs.
	MediaTypeAtom = "application/atom+xml"

	defaultTitle = "No title"
	tagsPrefix   = "TAGS: "
	uuidPrefix   = "urn:uuid:"
)

// Classify converts a raw entry into a Book or SubCatalog item. It performs no
// I/O and every href is resolved against baseURL.
func Classify(entry models.Entry, baseURL string) *models.CatalogItem {
	item := &models.CatalogItem{
		Title:   entry.Title,
		Authors: splitAuthors(entry.Authors),
		Tags:    ParseTags(entry.Summary),
		UUID:    entryUUID(entry.ID),
	}
	if item.Title == "" {
		item.Title = defaultTitle
	}
	if entry.HasUpdated {
		item.Updated = ParseTimestamp(entry.Updated)
	} else {
		item.Updated = DefaultTimestamp
	}

	var epubs, others []string
	catalogURL := ""
	for _, link := range entry.Links {
		linkType := link.Type
		href := ResolveURL(baseURL, link.Href)
		switch {
		case strings.HasPrefix(linkType, "image/"):
			continue
		case strings.HasPrefix(linkType, MediaTypeAtom):
			if catalogURL == "" {
				catalogURL = href
			}
		case linkType == MediaTypeEPUB:
			epubs = append(epubs, href)
		default:
			others = append(others, href)
		}
	}

	downloads := append(epubs, others...)
	switch {
	case len(downloads) > 0:
		item.Kind = models.KindBook
		item.DownloadLinks = downloads
	case catalogURL != "":
		item.Kind = models.KindSubCatalog
		item.CatalogURL = catalogURL
	default:
		item.Kind = models.KindBook
	}
	return item
}

// ClassifyAll classifies every entry of a feed page against the same base.
func ClassifyAll(entries []models.Entry, baseURL string) []*models.CatalogItem {
	items := make([]*models.CatalogItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, Classify(entry, baseURL))
	}
	return items
}

// RootCatalogs turns the entries of a root feed into sub-catalog items. Each
// entry points at its first atom link, falling back to its first link.
// Entries without links and repeated titles are skipped.
func RootCatalogs(feed *models.Feed, baseURL string) []*models.CatalogItem {
	if feed == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(feed.Entries))
	items := make([]*models.CatalogItem, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		if len(entry.Links) == 0 {
			continue
		}
		title := entry.Title
		if title == "" {
			title = defaultTitle
		}
		if _, dup := seen[title]; dup {
			continue
		}
		seen[title] = struct{}{}

		target := entry.Links[0].Href
		for _, link := range entry.Links {
			if strings.HasPrefix(link.Type, MediaTypeAtom) {
				target = link.Href
				break
			}
		}
		items = append(items, models.NewSubCatalog(title, ResolveURL(baseURL, target)))
	}
	return items
}

// ParseTags reads the first "TAGS: " line of a summary.
func ParseTags(summary string) []string {
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, tagsPrefix) {
			continue
		}
		line = strings.TrimPrefix(line, tagsPrefix)
		line = strings.ReplaceAll(line, "<br />", "")
		line = strings.ReplaceAll(line, "<br/>", "")

		var tags []string
		seen := make(map[string]struct{})
		for _, tag := range strings.Split(line, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
		return tags
	}
	return nil
}

// ResolveURL absolutizes href against base. Unparseable input is returned
// unchanged so a bad link never drops an entry.
func ResolveURL(base, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	baseURL, err := url.Parse(base)
	if err != nil || base == "" {
		return ref.String()
	}
	return baseURL.ResolveReference(ref).String()
}

// FormatLabel derives a display label (e.g. "EPUB") from a download URL.
func FormatLabel(downloadURL string) string {
	p := downloadURL
	if parsed, err := url.Parse(downloadURL); err == nil {
		p = parsed.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return "FILE"
	}
	return strings.ToUpper(ext)
}

func splitAuthors(raw []string) []string {
	var authors []string
	for _, name := range raw {
		for _, part := range strings.Split(name, "&") {
			part = strings.TrimSpace(part)
			if part != "" {
				authors = append(authors, part)
			}
		}
	}
	return authors
}

func entryUUID(id string) string {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(strings.ToLower(id), uuidPrefix) {
		return ""
	}
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return strings.TrimSpace(id[len(uuidPrefix):])
}
