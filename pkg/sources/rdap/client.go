package rdap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"whoisrdap/pkg/metrics"
	"whoisrdap/pkg/model"
	"whoisrdap/pkg/util/workers"
)

const (
	defaultBaseURL = model.DefaultRDAPBaseURL
	defaultTimeout = model.DefaultFetchTimeout
	maxBodyBytes   = 1 << 20
	maxErrorBytes  = 512
)

// Doer is the subset of *http.Client used by Client
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client fetches ip network objects from a single RDAP server
type Client struct {
	baseURL     string
	userAgent   string
	timeout     time.Duration
	maxAttempts int
	hc          Doer
	limiter     *rate.Limiter
	coalesce    bool
	group       singleflight.Group
}

// Option configures a Client
type Option func(*Client)

func WithHTTPDoer(d Doer) Option         { return func(c *Client) { c.hc = d } }
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }
func WithMaxAttempts(n int) Option       { return func(c *Client) { c.maxAttempts = n } }

// WithCoalescing shares one upstream request between concurrent fetches of
// the same address. Each caller still receives its own copy of the document.
func WithCoalescing(on bool) Option { return func(c *Client) { c.coalesce = on } }

// NewClient creates a new RDAP client
func NewClient(baseURL, userAgent string, rateLimit float64, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)+1)
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		userAgent:   userAgent,
		timeout:     defaultTimeout,
		maxAttempts: 1,
		hc:          &http.Client{},
		limiter:     limiter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig builds a client from the transport settings of cfg
func NewClientFromConfig(cfg model.Config, opts ...Option) *Client {
	base := []Option{WithMaxAttempts(cfg.MaxAttempts), WithCoalescing(true)}
	if cfg.FetchTimeout > 0 {
		base = append(base, WithTimeout(cfg.FetchTimeout))
	}
	return NewClient(cfg.RDAPBaseURL, cfg.UserAgent, cfg.RateLimit, append(base, opts...)...)
}

// Fetch retrieves the ip network object covering addr. IPv4-mapped IPv6
// addresses are queried in their IPv4 form. All failures wrap
// model.ErrFetchFailed.
func (c *Client) Fetch(ctx context.Context, addr netip.Addr) (model.Document, error) {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return nil, fmt.Errorf("%w: %w", model.ErrFetchFailed, model.ErrInvalidAddress)
	}

	if !c.coalesce {
		return c.fetch(ctx, addr)
	}

	// The shared fetch outlives any single caller, so one cancelled waiter
	// cannot fail the others.
	ch := c.group.DoChan(addr.String(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout())
		defer cancel()
		return c.fetch(fetchCtx, addr)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", model.ErrFetchFailed, addr, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		doc := res.Val.(model.Document)
		if res.Shared {
			doc = Clone(doc)
		}
		return doc, nil
	}
}

// sharedTimeout bounds a coalesced fetch: every attempt plus backoff
func (c *Client) sharedTimeout() time.Duration {
	attempts := max(c.maxAttempts, 1)
	return time.Duration(attempts)*c.timeout + time.Duration(attempts-1)*workers.DefaultRetryConfig().MaxDelay
}

func (c *Client) fetch(ctx context.Context, addr netip.Addr) (model.Document, error) {
	url := fmt.Sprintf("%s/ip/%s", c.baseURL, addr)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %w", model.ErrFetchFailed, err)
		}
	}

	retry := workers.DefaultRetryConfig()
	retry.MaxAttempts = c.maxAttempts

	start := time.Now()
	var doc model.Document
	err := workers.Retry(ctx, retry, func() error {
		var err error
		doc, err = c.do(ctx, url)
		return err
	})
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		log.Debug("RDAP fetch failed", "addr", addr, "err", err)
		return nil, err
	}
	return doc, nil
}

// do performs a single bounded request
func (c *Client) do(ctx context.Context, url string) (model.Document, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, workers.Permanent(fmt.Errorf("%w: failed to create request: %w", model.ErrFetchFailed, err))
	}
	req.Header.Set("Accept", "application/rdap+json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: GET %s: %w", model.ErrFetchFailed, url, err)
	}
	defer resp.Body.Close()

	metrics.FetchesTotal.WithLabelValues(statusLabel(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", model.ErrFetchFailed, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		doc, err := DecodeDocumentBytes(body)
		if err != nil {
			return nil, workers.Permanent(fmt.Errorf("%w: %w", model.ErrFetchFailed, err))
		}
		return doc, nil

	case http.StatusBadRequest:
		if doc, ok := multipleCountryNetwork(body); ok {
			log.Debug("synthesized network from multiple-country response", "url", url,
				"start", doc["startAddress"], "end", doc["endAddress"])
			return doc, nil
		}

	case http.StatusTooManyRequests:
		log.Warn("rate limited by RDAP server", "url", url)
		return nil, fmt.Errorf("%w: %w", model.ErrFetchFailed, model.ErrRateLimited)
	}

	err = fmt.Errorf("%w: GET %s: unexpected status %d: %s",
		model.ErrFetchFailed, url, resp.StatusCode, excerpt(body))
	if resp.StatusCode < 500 {
		return nil, workers.Permanent(err)
	}
	return nil, err
}

func statusLabel(code int) string {
	switch {
	case code == http.StatusOK:
		return "ok"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBytes {
		s = s[:maxErrorBytes] + "..."
	}
	return s
}

// IsRateLimited reports whether err came from an upstream 429
func IsRateLimited(err error) bool {
	return errors.Is(err, model.ErrRateLimited)
}
