// Package zkill provides a rate-limited client for the public killmail feed.
package zkill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/resilience"
)

// Client defines the feed operations the pipeline needs.
type Client interface {
	// FetchPage retrieves one feed page for an entity query. A nil error
	// with a short page (len < model.FeedPageSize) signals exhaustion.
	FetchPage(ctx context.Context, q FeedQuery) ([]model.RawKillmail, error)
	// FetchKillmail retrieves a single killmail summary by id, used by the
	// repair flow. Returns a KindIncomplete error when the feed does not
	// know the id.
	FetchKillmail(ctx context.Context, killmailID int64) (*model.RawKillmail, error)
}

// FeedQuery addresses one feed page. Either PastSeconds (relative mode) or
// Year/Month (calendar mode) is set, never both.
type FeedQuery struct {
	Kind        model.EntityKind
	ID          int64
	PastSeconds int64
	Year        int
	Month       time.Month
	Page        int
}

// Option configures the feed client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithMinInterval sets the minimum spacing between feed calls.
func WithMinInterval(d time.Duration) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithRetry overrides the retry configuration.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	// limiter is owned per instance so the feed and detail clients never
	// share a clock.
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a feed client with a 1s minimum inter-call spacing.
func NewClient(userAgent string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://zkillboard.com/api",
		userAgent: userAgent,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger("zkill", "fetch"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (q FeedQuery) path() string {
	p := fmt.Sprintf("/%s/%d", q.Kind, q.ID)
	if q.PastSeconds > 0 {
		p += fmt.Sprintf("/pastSeconds/%d", q.PastSeconds)
	} else if q.Year > 0 {
		p += fmt.Sprintf("/year/%d/month/%d", q.Year, int(q.Month))
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	return p + fmt.Sprintf("/page/%d/", page)
}

func (c *httpClient) FetchPage(ctx context.Context, q FeedQuery) ([]model.RawKillmail, error) {
	return c.fetchList(ctx, c.baseURL+q.path())
}

func (c *httpClient) FetchKillmail(ctx context.Context, killmailID int64) (*model.RawKillmail, error) {
	kms, err := c.fetchList(ctx, fmt.Sprintf("%s/killID/%d/", c.baseURL, killmailID))
	if err != nil {
		return nil, err
	}
	if len(kms) == 0 {
		return nil, resilience.NewFetchError(resilience.KindIncomplete,
			eris.Errorf("zkill: killmail %d not found", killmailID))
	}
	return &kms[0], nil
}

// fetchList performs one rate-limited, retried GET and decodes the list
// payload. A non-list body is a protocol error, never retried.
func (c *httpClient) fetchList(ctx context.Context, url string) ([]model.RawKillmail, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]model.RawKillmail, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "zkill: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrap(err, "zkill: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)

		zap.L().Debug("fetching from feed", zap.String("url", url))

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "zkill: request failed"), 0)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resilience.NewTransientError(eris.Wrap(readErr, "zkill: read body"), resp.StatusCode)
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("zkill: status %d from %s", resp.StatusCode, url), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.NewFetchError(resilience.KindProtocol,
				eris.Errorf("zkill: unexpected status %d from %s", resp.StatusCode, url))
		}

		var kms []model.RawKillmail
		if err := json.Unmarshal(body, &kms); err != nil {
			// The feed answers errors with a JSON object instead of the
			// usual list; treat any non-list payload as a protocol failure.
			return nil, resilience.NewFetchError(resilience.KindProtocol,
				eris.Wrapf(err, "zkill: non-list payload from %s", url))
		}
		return kms, nil
	})
}
