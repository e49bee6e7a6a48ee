package models

import "net/http"

// Link is one Atom link element.
type Link struct {
	Href  string
	Rel   string
	Type  string
	Title string
}

// Entry is one raw feed entry before classification.
type Entry struct {
	ID         string
	Title      string
	Authors    []string
	Updated    string
	HasUpdated bool
	Summary    string
	Links      []Link
}

// Feed is one fetched and parsed OPDS document.
type Feed struct {
	URL     string
	Title   string
	Entries []Entry
	Links   []Link
	Headers http.Header
}

// NextHref returns the href of the first feed link with rel "next".
func (f *Feed) NextHref() string {
	if f == nil {
		return ""
	}
	for _, link := range f.Links {
		if link.Rel == "next" {
			return link.Href
		}
	}
	return ""
}

// ServerIdentity returns the response Server header or "none".
func (f *Feed) ServerIdentity() string {
	if f == nil || f.Headers == nil {
		return "none"
	}
	if server := f.Headers.Get("Server"); server != "" {
		return server
	}
	return "none"
}

// FetchStats summarises one complete catalog walk.
type FetchStats struct {
	Pages        int
	Items        int
	Partial      bool
	FailedURL    string
	RequestCount int
}
