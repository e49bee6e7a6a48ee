// Package fetcher retrieves OPDS feeds over HTTP with retry and Basic auth.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-opds-catalog/config"
	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

const (
	ctxKeyCaller   = "caller"
	ctxKeyStart    = "start"
	ctxKeyResponse = "response"

	acceptHeader = "application/atom+xml, application/xml;q=0.9, */*;q=0.8"
)

var errAborted = errors.New("request aborted")

// Fetcher wraps a synchronous colly collector. It is safe for concurrent use;
// each call carries its own colly.Context.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	Metrics   *Metrics

	requestCount int64
}

type response struct {
	status  int
	headers http.Header
	body    []byte
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &Fetcher{
		cfg:       cfg,
		collector: collector,
		Metrics:   NewMetrics(),
	}
	f.configureHandlers()
	return f, nil
}

// WithTransport replaces the HTTP round tripper used by the collector.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// RequestCount returns the number of HTTP requests issued so far.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// Fetch downloads and parses one feed page.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, creds *models.Credentials) (*models.Feed, error) {
	resp, err := f.fetch(ctx, rawURL, creds)
	if err != nil {
		return nil, err
	}

	feed, err := parser.ParseFeed(resp.body)
	if err != nil {
		f.Metrics.IncError("parse")
		slog.Warn("feed parse failed",
			slog.String("url", rawURL),
			slog.Int("bytes", len(resp.body)),
			slog.Any("error", err),
		)
		return nil, ErrParse{URL: rawURL, Err: err}
	}
	feed.URL = rawURL
	feed.Headers = resp.headers
	f.Metrics.AddPage(len(feed.Entries))

	slog.Debug("feed fetched",
		slog.String("url", rawURL),
		slog.Int("entries", len(feed.Entries)),
		slog.String("server", feed.ServerIdentity()),
	)
	return feed, nil
}

// Get downloads a non-feed resource with the same retry and auth semantics
// as Fetch.
func (f *Fetcher) Get(ctx context.Context, rawURL string, creds *models.Credentials) ([]byte, error) {
	resp, err := f.fetch(ctx, rawURL, creds)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, creds *models.Credentials) (*response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		f.Metrics.IncError("invalid_url")
		return nil, ErrFetchFailed{URL: rawURL, Err: ErrInvalidURL}
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := f.do(ctx, rawURL, creds)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			return f.checkStatus(rawURL, resp)
		}

		classified := classifyError(err, 0)
		if attempt >= f.cfg.MaxRetries {
			f.Metrics.IncRequest("failed")
			f.Metrics.IncError(ErrorLabel(classified))
			slog.Error("catalog request failed",
				slog.String("url", rawURL),
				slog.Int("attempts", attempt+1),
				slog.String("category", ErrorLabel(classified)),
				slog.Any("error", err),
			)
			return nil, ErrFetchFailed{URL: rawURL, Err: classified}
		}

		f.Metrics.IncRetries()
		slog.Warn("retrying catalog request",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", f.cfg.RetryBackoff),
			slog.String("category", ErrorLabel(classified)),
		)
		if err := sleepContext(ctx, f.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) do(ctx context.Context, rawURL string, creds *models.Credentials) (*response, error) {
	cctx := colly.NewContext()
	cctx.Put(ctxKeyCaller, ctx)

	hdr := http.Header{}
	hdr.Set("User-Agent", f.cfg.UserAgent)
	hdr.Set("Accept", acceptHeader)
	if creds != nil {
		hdr.Set("Authorization", creds.AuthorizationHeader())
	}

	if err := f.collector.Request(http.MethodGet, rawURL, nil, cctx, hdr); err != nil {
		return nil, err
	}
	resp, ok := cctx.GetAny(ctxKeyResponse).(*response)
	if !ok {
		return nil, errAborted
	}
	return resp, nil
}

func (f *Fetcher) checkStatus(rawURL string, resp *response) (*response, error) {
	if resp.status >= http.StatusOK && resp.status < http.StatusMultipleChoices {
		f.Metrics.IncRequest("ok")
		return resp, nil
	}

	var err error
	if resp.status == http.StatusUnauthorized {
		err = authError(rawURL, resp.headers)
	} else {
		err = ErrFetchFailed{URL: rawURL, Err: classifyError(nil, resp.status)}
	}
	f.Metrics.IncRequest("rejected")
	f.Metrics.IncError(ErrorLabel(err))
	slog.Warn("catalog request rejected",
		slog.String("url", rawURL),
		slog.Int("status", resp.status),
		slog.String("category", ErrorLabel(err)),
	)
	return nil, err
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		if caller, ok := r.Ctx.GetAny(ctxKeyCaller).(context.Context); ok && caller.Err() != nil {
			r.Abort()
			return
		}
		r.Ctx.Put(ctxKeyStart, time.Now())
		current := atomic.AddInt64(&f.requestCount, 1)
		f.Metrics.IncRequest("started")
		slog.Debug("catalog request",
			slog.Int64("requests", current),
			slog.String("url", r.URL.String()),
		)
	})

	f.collector.OnResponseHeaders(func(r *colly.Response) {
		if caller, ok := r.Ctx.GetAny(ctxKeyCaller).(context.Context); ok && caller.Err() != nil {
			r.Request.Abort()
		}
	})

	f.collector.OnResponse(func(r *colly.Response) {
		if start, ok := r.Ctx.GetAny(ctxKeyStart).(time.Time); ok {
			f.Metrics.ObserveDuration(time.Since(start))
		}
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		r.Ctx.Put(ctxKeyResponse, &response{
			status:  r.StatusCode,
			headers: headers,
			body:    r.Body,
		})
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		target := ""
		if r != nil && r.Request != nil && r.Request.URL != nil {
			target = r.Request.URL.String()
		}
		slog.Debug("request error",
			slog.String("url", target),
			slog.Any("error", err),
		)
	})
}

func authError(rawURL string, headers http.Header) error {
	challenges := headers.Values("WWW-Authenticate")
	for _, challenge := range challenges {
		scheme, params, _ := strings.Cut(strings.TrimSpace(challenge), " ")
		if strings.EqualFold(scheme, "basic") {
			return ErrAuthRequired{URL: rawURL, Realm: challengeRealm(params)}
		}
	}
	return ErrUnsupportedAuth{URL: rawURL, Challenge: strings.Join(challenges, ", ")}
}

func challengeRealm(params string) string {
	for _, param := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(key, "realm") {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
