// Package client implements the marketplace fetch client. Every outbound
// call passes through the rate governor's Acquire gate and reports the
// response's rate-limit signals back so the governor can adapt.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/skinpulse/harvester/internal/market"
	"github.com/skinpulse/harvester/internal/metrics"
)

// ErrThrottled marks a 429 response. The governor has already absorbed the
// wait; callers simply retry after the next Acquire.
var ErrThrottled = errors.New("marketplace throttled request")

// Config controls the marketplace HTTP client.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Client fetches listing pages from the marketplace API.
type Client struct {
	cfg      Config
	http     *http.Client
	governor market.Governor
	clock    market.Clock
	logger   *zap.Logger
}

// New constructs a Client. The governor is required; a nil logger disables
// logging.
func New(cfg Config, governor market.Governor, clock market.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("marketplace base url is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "skinpulse-harvester/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		governor: governor,
		clock:    clock,
		logger:   logger,
	}, nil
}

type listingsEnvelope struct {
	Listings  []market.ListingRecord `json:"listings"`
	RateLimit *bodyRateLimit         `json:"rate_limit"`
}

type bodyRateLimit struct {
	Limit      *int  `json:"limit"`
	Remaining  *int  `json:"remaining"`
	Reset      int64 `json:"reset"`
	RetryAfter int64 `json:"retry_after"`
}

// Listings fetches one page for the query's strategy. Rate-limit metadata is
// reported to the governor whether the call succeeds or fails; a 429 returns
// ErrThrottled after the governor has opened its throttle window.
func (c *Client) Listings(ctx context.Context, query market.PageQuery) ([]market.ListingRecord, error) {
	if err := c.governor.Acquire(ctx); err != nil {
		return nil, err
	}

	req, err := c.buildRequest(ctx, query)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveMarketRequest("transport")
		return nil, fmt.Errorf("marketplace request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	meta := parseRateLimitHeaders(resp.Header, c.clock.Now())
	metrics.ObserveMarketRequest(classifyStatus(resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		c.governor.RecordResponse(meta)
		c.governor.RecordError(resp.StatusCode, meta.RetryAfter)
		return nil, ErrThrottled
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.governor.RecordResponse(meta)
		c.governor.RecordError(resp.StatusCode, meta.RetryAfter)
		return nil, fmt.Errorf("marketplace status %d", resp.StatusCode)
	}

	var envelope listingsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.governor.RecordResponse(meta)
		return nil, fmt.Errorf("decode listings page: %w", err)
	}
	if !meta.HasUsage && envelope.RateLimit != nil {
		meta = mergeBodyRateLimit(meta, *envelope.RateLimit, c.clock.Now())
	}
	c.governor.RecordResponse(meta)

	c.logger.Debug("fetched listings page",
		zap.String("strategy", query.Strategy.Name),
		zap.Int("page", query.Page),
		zap.Int("records", len(envelope.Listings)),
	)
	return envelope.Listings, nil
}

func (c *Client) buildRequest(ctx context.Context, query market.PageQuery) (*http.Request, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath("api", "v1", "listings")

	limit := query.Limit
	if limit <= 0 || limit > market.MaxPageLimit {
		limit = market.MaxPageLimit
	}
	s := query.Strategy
	params := url.Values{}
	params.Set("page", strconv.Itoa(query.Page))
	params.Set("limit", strconv.Itoa(limit))
	if s.Sort != "" {
		params.Set("sort_by", string(s.Sort))
	}
	if s.Category > 0 {
		params.Set("category", strconv.Itoa(s.Category))
	}
	if s.MinPrice > 0 {
		params.Set("min_price", strconv.FormatInt(s.MinPrice, 10))
	}
	if s.MaxPrice > 0 {
		params.Set("max_price", strconv.FormatInt(s.MaxPrice, 10))
	}
	if s.MinQuality != nil {
		params.Set("min_quality", strconv.FormatFloat(*s.MinQuality, 'f', -1, 64))
	}
	if s.MaxQuality != nil {
		params.Set("max_quality", strconv.FormatFloat(*s.MaxQuality, 'f', -1, 64))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}
	return req, nil
}

// parseRateLimitHeaders extracts the rate-limit signals the marketplace ships
// in headers. A reset value above 1e9 is a Unix timestamp, otherwise it is
// seconds until reset.
func parseRateLimitHeaders(h http.Header, now time.Time) market.RateLimitMeta {
	meta := market.RateLimitMeta{}

	limit, okLimit := headerInt(h, "X-RateLimit-Limit", "RateLimit-Limit")
	remaining, okRemaining := headerInt(h, "X-RateLimit-Remaining", "RateLimit-Remaining")
	if okLimit && okRemaining {
		meta.Limit = limit
		meta.Remaining = remaining
		meta.HasUsage = true
	}
	if reset, ok := headerInt(h, "X-RateLimit-Reset", "RateLimit-Reset"); ok {
		meta.Reset = resetToTime(int64(reset), now)
	}
	if retryAfter, ok := headerInt(h, "Retry-After"); ok && retryAfter > 0 {
		meta.RetryAfter = time.Duration(retryAfter) * time.Second
	}
	return meta
}

func mergeBodyRateLimit(meta market.RateLimitMeta, body bodyRateLimit, now time.Time) market.RateLimitMeta {
	if body.Limit != nil && body.Remaining != nil {
		meta.Limit = *body.Limit
		meta.Remaining = *body.Remaining
		meta.HasUsage = true
	}
	if body.Reset > 0 && meta.Reset.IsZero() {
		meta.Reset = resetToTime(body.Reset, now)
	}
	if body.RetryAfter > 0 && meta.RetryAfter == 0 {
		meta.RetryAfter = time.Duration(body.RetryAfter) * time.Second
	}
	return meta
}

func resetToTime(reset int64, now time.Time) time.Time {
	if reset > 1_000_000_000 {
		return time.Unix(reset, 0)
	}
	return now.Add(time.Duration(reset) * time.Second)
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		raw := h.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

func classifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code == 429:
		return "429"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
