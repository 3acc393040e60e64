// Package catalog discovers AODP database snapshots from the published
// directory index and decides which of them extend local coverage.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/zeromicro/go-zero/core/collection"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	DefaultIndexURL    = "https://www.albion-online-data.com/database-europe/"
	defaultHTTPTimeout = 30 * time.Second
	defaultMaxRetries  = 2
)

// ErrUnexpectedStatus is returned when the index answers with a non-2xx code.
var ErrUnexpectedStatus = errors.New("catalog: unexpected status")

// Client lists snapshots from an index page.
type Client struct {
	indexURL   string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	cache      *collection.Cache
	cacheKey   string
	nowFn      func() time.Time

	http *resty.Client
}

// Option configures a Client.
type Option func(*Client)

// WithIndexURL overrides the default index location.
func WithIndexURL(url string) Option {
	return func(c *Client) {
		if strings.TrimSpace(url) != "" {
			c.indexURL = strings.TrimSpace(url)
		}
	}
}

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries adjusts the retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithCache memoizes listings under key for the lifetime of the cache entries.
func WithCache(cache *collection.Cache, key string) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheKey = key
	}
}

// NewClient constructs an index client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		indexURL:   DefaultIndexURL,
		timeout:    defaultHTTPTimeout,
		maxRetries: defaultMaxRetries,
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient != nil {
		c.http = resty.NewWithClient(c.httpClient)
	} else {
		c.http = resty.New()
	}
	c.http.SetTimeout(c.timeout).
		SetRetryCount(c.maxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("User-Agent", "aodp-ingest")
	if c.cacheKey == "" {
		c.cacheKey = c.indexURL
	}
	return c
}

// IndexURL returns the listing location.
func (c *Client) IndexURL() string { return c.indexURL }

// List fetches and parses the index.
func (c *Client) List(ctx context.Context) ([]Snapshot, error) {
	if c.cache == nil {
		return c.fetch(ctx)
	}
	val, err := c.cache.Take(c.cacheKey, func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	cached, _ := val.([]Snapshot)
	out := make([]Snapshot, len(cached))
	copy(out, cached)
	return out, nil
}

// Invalidate drops any cached listing.
func (c *Client) Invalidate() {
	if c.cache != nil {
		c.cache.Del(c.cacheKey)
	}
}

func (c *Client) fetch(ctx context.Context) ([]Snapshot, error) {
	logx.WithContext(ctx).Infof("catalog: fetching dump index from %s", c.indexURL)
	resp, err := c.http.R().SetContext(ctx).Get(c.indexURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch index: %w", err)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode(), c.indexURL)
	}
	snaps, err := parseListing(bytes.NewReader(resp.Body()), c.indexURL, c.nowFn().UTC())
	if err != nil {
		return nil, fmt.Errorf("catalog: parse index: %w", err)
	}
	logx.WithContext(ctx).Infof("catalog: found %d available dumps", len(snaps))
	return snaps, nil
}
