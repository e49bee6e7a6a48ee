// Package feedtest builds small OPDS documents for tests.
package feedtest

import (
	"fmt"
	"html"
	"strings"
)

// Link is one entry or feed link.
type Link struct {
	Href string
	Rel  string
	Type string
}

// Entry is one Atom entry.
type Entry struct {
	ID      string
	Title   string
	Authors []string
	Updated string
	Summary string
	Links   []Link
}

// Book returns an entry with a single EPUB acquisition link.
func Book(title string, authors ...string) Entry {
	slug := strings.ToLower(strings.ReplaceAll(title, " ", "-"))
	return Entry{
		ID:      "urn:book:" + slug,
		Title:   title,
		Authors: authors,
		Updated: "2021-03-01T10:00:00+00:00",
		Links: []Link{{
			Href: "/get/" + slug + ".epub",
			Rel:  "http://opds-spec.org/acquisition",
			Type: "application/epub+zip",
		}},
	}
}

// Catalog returns a navigation entry pointing at href.
func Catalog(title, href string) Entry {
	return Entry{
		ID:    "urn:nav:" + href,
		Title: title,
		Links: []Link{{
			Href: href,
			Rel:  "subsection",
			Type: "application/atom+xml;profile=opds-catalog;kind=navigation",
		}},
	}
}

// Feed renders an Atom feed. A non-empty next adds a rel="next" link.
func Feed(title, next string, entries ...Entry) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom">` + "\n")
	fmt.Fprintf(&b, "  <title>%s</title>\n", html.EscapeString(title))
	if next != "" {
		fmt.Fprintf(&b, `  <link rel="next" type="application/atom+xml;profile=opds-catalog" href="%s"/>`+"\n", html.EscapeString(next))
	}
	for _, entry := range entries {
		b.WriteString("  <entry>\n")
		if entry.ID != "" {
			fmt.Fprintf(&b, "    <id>%s</id>\n", html.EscapeString(entry.ID))
		}
		if entry.Title != "" {
			fmt.Fprintf(&b, "    <title>%s</title>\n", html.EscapeString(entry.Title))
		}
		for _, author := range entry.Authors {
			fmt.Fprintf(&b, "    <author><name>%s</name></author>\n", html.EscapeString(author))
		}
		if entry.Updated != "" {
			fmt.Fprintf(&b, "    <updated>%s</updated>\n", entry.Updated)
		}
		if entry.Summary != "" {
			fmt.Fprintf(&b, "    <summary>%s</summary>\n", html.EscapeString(entry.Summary))
		}
		for _, link := range entry.Links {
			fmt.Fprintf(&b, `    <link href="%s" rel="%s" type="%s"/>`+"\n",
				html.EscapeString(link.Href), html.EscapeString(link.Rel), html.EscapeString(link.Type))
		}
		b.WriteString("  </entry>\n")
	}
	b.WriteString("</feed>\n")
	return b.String()
}

// Books returns n numbered book entries starting at first.
func Books(first, n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := first; i < first+n; i++ {
		entries = append(entries, Book(fmt.Sprintf("Book %d", i), fmt.Sprintf("Author %d", i)))
	}
	return entries
}
