// Package calibre enriches catalog items with timestamps from a calibre
// content server's JSON API. Calibre's OPDS feed stamps every entry with the
// database modification time, so the real add-date has to come from /ajax.
package calibre

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

const (
	serverPrefix = "calibre"
	idsPerCall   = 250 // keeps /ajax/books URLs under common request-line limits
)

// IsCalibreServer reports whether a Server header identifies calibre.
func IsCalibreServer(identity string) bool {
	return strings.HasPrefix(strings.ToLower(identity), serverPrefix)
}

// Getter downloads a resource, as fetcher.Fetcher.Get does.
type Getter interface {
	Get(ctx context.Context, rawURL string, creds *models.Credentials) ([]byte, error)
}

// Client talks to the /ajax endpoints of the server behind an OPDS URL.
type Client struct {
	getter Getter
}

// NewClient returns a client using getter for every request.
func NewClient(getter Getter) *Client {
	return &Client{getter: getter}
}

type searchResponse struct {
	TotalNum int     `json:"total_num"`
	BookIDs  []int64 `json:"book_ids"`
}

type bookMetadata struct {
	UUID      string `json:"uuid"`
	Timestamp string `json:"timestamp"`
}

// Timestamps returns uuid -> timestamp for every book on the server.
func (c *Client) Timestamps(ctx context.Context, opdsURL string, creds *models.Credentials) (map[string]time.Time, error) {
	base, err := serverBase(opdsURL)
	if err != nil {
		return nil, err
	}

	var count searchResponse
	if err := c.getJSON(ctx, base+"/ajax/search", creds, &count); err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}
	if count.TotalNum == 0 {
		return map[string]time.Time{}, nil
	}

	var all searchResponse
	query := url.Values{}
	query.Set("num", strconv.Itoa(count.TotalNum))
	query.Set("offset", "0")
	if err := c.getJSON(ctx, base+"/ajax/search?"+query.Encode(), creds, &all); err != nil {
		return nil, fmt.Errorf("list book ids: %w", err)
	}

	stamps := make(map[string]time.Time, len(all.BookIDs))
	for start := 0; start < len(all.BookIDs); start += idsPerCall {
		end := start + idsPerCall
		if end > len(all.BookIDs) {
			end = len(all.BookIDs)
		}
		ids := make([]string, 0, end-start)
		for _, id := range all.BookIDs[start:end] {
			ids = append(ids, strconv.FormatInt(id, 10))
		}

		var books map[string]*bookMetadata
		if err := c.getJSON(ctx, base+"/ajax/books?ids="+strings.Join(ids, ","), creds, &books); err != nil {
			return nil, fmt.Errorf("load book metadata: %w", err)
		}
		for id, meta := range books {
			if meta == nil || meta.UUID == "" {
				continue
			}
			ts, ok := parser.NormalizeTimestamp(meta.Timestamp)
			if !ok {
				slog.Debug("skipping unparseable calibre timestamp",
					slog.String("book_id", id),
					slog.String("timestamp", meta.Timestamp),
				)
				continue
			}
			stamps[meta.UUID] = ts
		}
	}

	slog.Debug("calibre timestamps loaded",
		slog.String("server", base),
		slog.Int("books", len(stamps)),
	)
	return stamps, nil
}

// Apply returns items with Updated replaced for books whose uuid is known.
// Changed books are copies; everything else is returned as is.
func Apply(items []*models.CatalogItem, stamps map[string]time.Time) ([]*models.CatalogItem, int) {
	out := make([]*models.CatalogItem, len(items))
	changed := 0
	for i, item := range items {
		out[i] = item
		if !item.IsBook() || item.UUID == "" {
			continue
		}
		ts, ok := stamps[item.UUID]
		if !ok || ts.Equal(item.Updated) {
			continue
		}
		clone := item.Clone()
		clone.Updated = ts
		out[i] = clone
		changed++
	}
	return out, changed
}

func (c *Client) getJSON(ctx context.Context, rawURL string, creds *models.Credentials, v any) error {
	body, err := c.getter.Get(ctx, rawURL, creds)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

func serverBase(opdsURL string) (string, error) {
	parsed, err := url.Parse(opdsURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid opds url %q", opdsURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
