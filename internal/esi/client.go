// Package esi provides a client for the authoritative killmail detail and
// name-resolution service.
package esi

import (
	"bytes"
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

// Client defines the detail-service operations used by completion and
// denormalization. Matching never calls it.
type Client interface {
	// FetchKillmail retrieves the complete, authoritative killmail record.
	// The hash gates access and is only available from a feed summary.
	FetchKillmail(ctx context.Context, killmailID int64, hash string) (*model.RawKillmail, error)
	// Names resolves numeric entity ids to display names in one batch call.
	Names(ctx context.Context, ids []int64) (map[int64]string, error)
	// Type resolves a ship type id to its name and group (category) name.
	Type(ctx context.Context, typeID int64) (*TypeInfo, error)
	// SolarSystem resolves a system id through its constellation and region.
	SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error)
}

// TypeInfo is the resolved ship type of a killmail victim or participant.
type TypeInfo struct {
	ID        int64
	Name      string
	GroupName string
}

// Option configures the detail client.
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

// WithMinInterval sets the minimum spacing between detail calls.
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
	// Independent limiter instance; never shared with the feed client.
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a detail client. The detail service tolerates a much
// tighter call spacing than the feed (50ms), but still retries 429/5xx with
// backoff up to five attempts.
func NewClient(userAgent string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://esi.evetech.net/latest",
		userAgent: userAgent,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		retry: resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 1 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger("esi", "fetch"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) FetchKillmail(ctx context.Context, killmailID int64, hash string) (*model.RawKillmail, error) {
	url := fmt.Sprintf("%s/killmails/%d/%s/?datasource=tranquility", c.baseURL, killmailID, hash)
	zap.L().Debug("fetching killmail detail", zap.Int64("killmail_id", killmailID))

	var km model.RawKillmail
	if err := c.getJSON(ctx, url, &km); err != nil {
		return nil, eris.Wrapf(err, "esi: killmail %d", killmailID)
	}
	km.KillmailID = killmailID
	return &km, nil
}

func (c *httpClient) Names(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}

	payload, err := json.Marshal(ids)
	if err != nil {
		return nil, eris.Wrap(err, "esi: marshal name ids")
	}

	var entries []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	url := c.baseURL + "/universe/names/?datasource=tranquility"
	if err := c.postJSON(ctx, url, payload, &entries); err != nil {
		return nil, eris.Wrap(err, "esi: resolve names")
	}

	names := make(map[int64]string, len(entries))
	for _, e := range entries {
		names[e.ID] = e.Name
	}
	return names, nil
}

func (c *httpClient) Type(ctx context.Context, typeID int64) (*TypeInfo, error) {
	var t struct {
		Name    string `json:"name"`
		GroupID int64  `json:"group_id"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/universe/types/%d/", c.baseURL, typeID), &t); err != nil {
		return nil, eris.Wrapf(err, "esi: type %d", typeID)
	}

	info := &TypeInfo{ID: typeID, Name: t.Name, GroupName: model.UnknownName}
	if t.GroupID != 0 {
		var g struct {
			Name string `json:"name"`
		}
		if err := c.getJSON(ctx, fmt.Sprintf("%s/universe/groups/%d/", c.baseURL, t.GroupID), &g); err != nil {
			// Group name only feeds denormalized stats; keep the type.
			zap.L().Warn("failed to resolve ship group",
				zap.Int64("type_id", typeID),
				zap.Int64("group_id", t.GroupID),
				zap.Error(err),
			)
			return info, nil
		}
		info.GroupName = g.Name
	}
	return info, nil
}

func (c *httpClient) SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error) {
	var sys struct {
		Name            string `json:"name"`
		ConstellationID int64  `json:"constellation_id"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/universe/systems/%d/", c.baseURL, systemID), &sys); err != nil {
		return nil, eris.Wrapf(err, "esi: system %d", systemID)
	}

	out := &model.SolarSystem{ID: systemID, Name: sys.Name, ConstellationID: sys.ConstellationID}

	var con struct {
		RegionID int64 `json:"region_id"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/universe/constellations/%d/", c.baseURL, sys.ConstellationID), &con); err != nil {
		return nil, eris.Wrapf(err, "esi: constellation %d", sys.ConstellationID)
	}
	out.RegionID = con.RegionID

	var reg struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/universe/regions/%d/", c.baseURL, con.RegionID), &reg); err != nil {
		return nil, eris.Wrapf(err, "esi: region %d", con.RegionID)
	}
	out.RegionName = reg.Name

	return out, nil
}

func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, nil, out)
}

func (c *httpClient) postJSON(ctx context.Context, url string, body []byte, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, body, out)
}

func (c *httpClient) doJSON(ctx context.Context, method, url string, reqBody []byte, out any) error {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "esi: rate limiter wait")
		}

		var rdr io.Reader
		if reqBody != nil {
			rdr = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, eris.Wrap(err, "esi: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "esi: request failed"), 0)
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resilience.NewTransientError(eris.Wrap(readErr, "esi: read body"), resp.StatusCode)
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("esi: status %d from %s", resp.StatusCode, url), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.NewFetchError(resilience.KindProtocol,
				eris.Errorf("esi: unexpected status %d from %s", resp.StatusCode, url))
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resilience.NewFetchError(resilience.KindProtocol, eris.Wrap(err, "esi: unmarshal response"))
	}
	return nil
}
