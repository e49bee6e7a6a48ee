// Package parser turns OPDS documents into models and classifies entries.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/aluiziolira/go-opds-catalog/models"
)

// ErrNotAFeed is returned when the document root is not an Atom feed.
var ErrNotAFeed = errors.New("parser: document is not an atom feed")

// ParseFeed parses an Atom/OPDS document. Element names are matched on their
// local part so both default-namespaced and prefixed feeds are accepted.
func ParseFeed(body []byte) (*models.Feed, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("parse feed: empty document")
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	root := firstChild(doc, "feed")
	if root == nil {
		return nil, ErrNotAFeed
	}

	feed := &models.Feed{
		Title: childText(root, "title"),
		Links: parseLinks(root),
	}
	for _, node := range children(root, "entry") {
		feed.Entries = append(feed.Entries, parseEntry(node))
	}
	return feed, nil
}

func parseEntry(node *xmlquery.Node) models.Entry {
	entry := models.Entry{
		ID:    childText(node, "id"),
		Title: childText(node, "title"),
		Links: parseLinks(node),
	}
	if updated := firstChild(node, "updated"); updated != nil {
		entry.Updated = strings.TrimSpace(updated.InnerText())
		entry.HasUpdated = entry.Updated != ""
	}

	summary := firstChild(node, "summary")
	if summary == nil {
		summary = firstChild(node, "content")
	}
	if summary != nil {
		entry.Summary = summary.InnerText()
	}

	for _, author := range children(node, "author") {
		name := childText(author, "name")
		if name == "" {
			continue
		}
		entry.Authors = append(entry.Authors, name)
	}
	return entry
}

func parseLinks(node *xmlquery.Node) []models.Link {
	var links []models.Link
	for _, l := range children(node, "link") {
		links = append(links, models.Link{
			Href:  strings.TrimSpace(l.SelectAttr("href")),
			Rel:   strings.TrimSpace(l.SelectAttr("rel")),
			Type:  strings.TrimSpace(l.SelectAttr("type")),
			Title: l.SelectAttr("title"),
		})
	}
	return links
}

func children(node *xmlquery.Node, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == local {
			out = append(out, child)
		}
	}
	return out
}

// firstChild searches direct children first and then descends one level
// through declaration nodes, which is where xmlquery hangs the document root.
func firstChild(node *xmlquery.Node, local string) *xmlquery.Node {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == local {
			return child
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.DeclarationNode {
			if found := firstChild(child, local); found != nil {
				return found
			}
		}
	}
	return nil
}

func childText(node *xmlquery.Node, local string) string {
	child := firstChild(node, local)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.InnerText())
}
