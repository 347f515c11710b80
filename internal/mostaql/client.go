// Package mostaql talks to the marketplace: it fetches listing pages and
// project pages and turns them into domain jobs.
package mostaql

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

const (
	baseURL     = "https://mostaql.com"
	projectsURL = "https://mostaql.com/projects"
	userAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	contentEncoding = "gzip"
	acceptLanguage  = "ar,en;q=0.9"

	defaultTimeout = 10 * time.Second
)

// Config holds client settings. Zero values fall back to the public site.
type Config struct {
	BaseURL     string        `mapstructure:"base-url"`
	ProjectsURL string        `mapstructure:"projects-url"`
	UserAgent   string        `mapstructure:"user-agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Client struct {
	logger     *zap.Logger
	extractor  Extractor
	HTTPClient *http.Client
	UserAgent  string
	BaseURL    string
	// ProjectsURL serves the listing XHR endpoint.
	ProjectsURL string
}

func New(logger *zap.Logger, cfg Config) *Client {
	c := &Client{
		logger:      logger,
		BaseURL:     baseURL,
		ProjectsURL: projectsURL,
		UserAgent:   userAgent,
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	if cfg.ProjectsURL != "" {
		c.ProjectsURL = cfg.ProjectsURL
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}

	c.extractor = &HTMLExtractor{BaseURL: c.BaseURL}
	return c
}

// WithExtractor replaces the HTML extractor.
func (c *Client) WithExtractor(e Extractor) *Client {
	c.extractor = e
	return c
}

type listingResponse struct {
	Collection []ListingItem `json:"collection"`
}

// ListingItem is one row of the listing XHR payload.
type ListingItem struct {
	ID       json.Number `json:"id"`
	Rendered string      `json:"rendered"`
}

// ListingPage returns the provisional jobs on page, newest first. Rows the
// extractor cannot read are skipped and logged.
func (c *Client) ListingPage(ctx context.Context, page int) ([]*domain.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ProjectsURL, nil)
	if err != nil {
		return nil, err
	}

	req = c.setHeaders(req)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.URL.RawQuery = url.Values{
		"page": {strconv.Itoa(page)},
		"sort": {"latest"},
	}.Encode()

	body, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing page %d: %w", page, err)
	}

	var response listingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("listing page %d: %w: %v", page, domain.ErrMalformedResponse, err)
	}

	jobs := make([]*domain.Job, 0, len(response.Collection))
	for idx, item := range response.Collection {
		job, err := c.extractor.Listing(item)
		if err != nil {
			c.logger.Warn("failed to parse listing row",
				zap.Int("page", page),
				zap.Int("row", idx),
				zap.String("job_id", item.ID.String()),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, job)
	}

	c.logger.Debug("got listing page", zap.Int("page", page), zap.Int("rows", len(response.Collection)), zap.Int("parsed", len(jobs)))

	return jobs, nil
}

// Detail fetches the project page of job and returns a copy enriched with
// the full description, budget, skills and publisher history.
func (c *Client) Detail(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, err
	}

	req = c.setHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	body, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("detail of %s: %w", job.ID, err)
	}

	detailed := job.Clone()
	if err := c.extractor.Detail(body, detailed); err != nil {
		return nil, fmt.Errorf("detail of %s: %w: %v", job.ID, domain.ErrMalformedResponse, err)
	}

	return detailed, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	c.logger.Debug("make request", zap.String("url", req.URL.String()))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransientNetwork, err)
	}

	return data, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: bad status: %s", domain.ErrProviderQuotaExceeded, resp.Status)
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: bad status: %s", domain.ErrTransientNetwork, resp.Status)
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept-Encoding", contentEncoding)
	req.Header.Set("Accept-Language", acceptLanguage)

	return req
}
