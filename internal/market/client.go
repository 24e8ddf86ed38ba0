// Package market is the HTTP client for the marketplace search API.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "marketbot/pkg/logx"
)

// ProviderError is a non-2xx response from the marketplace API.
type ProviderError struct {
	Status     int
	Message    string
	RetryAfter time.Duration // from Retry-After on 429 responses, 0 otherwise
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("marketplace API error: status %d", e.Status)
	}
	return fmt.Sprintf("marketplace API error: status %d: %s", e.Status, e.Message)
}

// IsRateLimited reports whether the provider rejected us with a 429.
func (e *ProviderError) IsRateLimited() bool { return e.Status == http.StatusTooManyRequests }

// Item is a marketplace listing as the API returns it.
type Item struct {
	ID         int64    `json:"id"`
	Title      string   `json:"title"`
	Price      float64  `json:"price"`
	URL        string   `json:"url"`
	Photos     []string `json:"photos,omitempty"`
	BrandTitle string   `json:"brand_title,omitempty"`
	SizeTitle  string   `json:"size_title,omitempty"`
}

type Pagination struct {
	CurrentPage  int `json:"current_page"`
	TotalPages   int `json:"total_pages"`
	TotalEntries int `json:"total_entries"`
	PerPage      int `json:"per_page"`
}

func (p Pagination) HasMore() bool { return p.CurrentPage < p.TotalPages }

type SearchResponse struct {
	Items      []Item     `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// SearchParams are the caller-facing search filters. Zero values are omitted
// from the request.
type SearchParams struct {
	Text       string
	CatalogIDs string
	BrandIDs   string
	SizeIDs    string
	StatusIDs  string
	PriceFrom  float64
	PriceTo    float64
	Currency   string
	Order      string // defaults to newest_first
}

type Config struct {
	BaseURL       string
	Timeout       time.Duration // per-request; default 10s
	RequestsPerMn int           // client-side token bucket; default 20
	UserAgent     string
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("market: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMn <= 0 {
		cfg.RequestsPerMn = 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMn)), cfg.RequestsPerMn),
		log:     log,
	}, nil
}

// Search fetches one page of listings matching params.
func (c *Client) Search(ctx context.Context, params SearchParams, page, perPage int) (SearchResponse, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 100
	}

	q := params.query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	var out SearchResponse
	if err := c.get(ctx, "/items", q, &out); err != nil {
		return SearchResponse{}, err
	}
	return out, nil
}

// ItemDetails fetches one listing by id.
func (c *Client) ItemDetails(ctx context.Context, id int64) (Item, error) {
	var out struct {
		Item Item `json:"item"`
	}
	if err := c.get(ctx, "/items/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return Item{}, err
	}
	return out.Item, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("marketplace request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{Status: resp.StatusCode, Message: apiMessage(resp.Body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		c.log.Warn("marketplace API error",
			logx.Int("status", perr.Status),
			logx.String("path", path),
			logx.String("message", perr.Message),
		)
		return perr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("marketplace response decode: %w", err)
	}
	return nil
}

func (p SearchParams) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("search_text", p.Text)
	set("catalog_ids", p.CatalogIDs)
	set("brand_ids", p.BrandIDs)
	set("size_ids", p.SizeIDs)
	set("status_ids", p.StatusIDs)
	if p.PriceFrom > 0 {
		q.Set("price_from", strconv.FormatFloat(p.PriceFrom, 'f', -1, 64))
	}
	if p.PriceTo > 0 {
		q.Set("price_to", strconv.FormatFloat(p.PriceTo, 'f', -1, 64))
	}
	set("currency", p.Currency)
	order := p.Order
	if order == "" {
		order = "newest_first"
	}
	q.Set("order", order)
	return q
}

func apiMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(b))
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
