// Package monitoring is the HTTP client for the portal's usage monitoring datasets.
package monitoring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/relloyd/ogdsync/constants"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/stream"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/time/rate"
)

const (
	defaultRecordsPath   = "records"
	maxErrorBodyBytes    = 512
	breakerTripThreshold = 5
)

// Config holds the connection settings for the monitoring API.
type Config struct {
	BaseUrl        string
	RecordsPath    string // path below <BaseUrl>/<dataset>/, "records" or "exports/json".
	Token          string
	Proxy          string // overrides the https_proxy environment variable.
	Lang           string
	Timezone       string
	Timeout        time.Duration
	RequestsPerSec float64 // 0 means unlimited.
	RetryMax       int
	RetryWait      time.Duration // initial backoff interval.
	UserAgent      string
}

// PageRequest describes one page of a dataset.
// Since and Until are absolute instants; Since is inclusive and Until is exclusive.
type PageRequest struct {
	Dataset string
	Since   *time.Time
	Until   *time.Time
	OrderBy string
	Limit   int
	Offset  int
}

// Client fetches pages of monitoring records with rate limiting, retries and a circuit breaker.
type Client struct {
	log     logger.Logger
	cfg     Config
	loc     *time.Location
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]json.RawMessage]
}

// NewClient validates cfg and returns a Client.
func NewClient(log logger.Logger, cfg Config) (*Client, error) {
	if cfg.BaseUrl == "" {
		return nil, errors.New("monitoring API base URL is required")
	}
	if _, err := url.Parse(cfg.BaseUrl); err != nil {
		return nil, fmt.Errorf("invalid monitoring API base URL: %w", err)
	}
	if cfg.RecordsPath == "" {
		cfg.RecordsPath = defaultRecordsPath
	}
	if cfg.Lang == "" {
		cfg.Lang = constants.DefaultApiLang
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultHttpTimeoutSec * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = constants.AppName
	}
	loc, err := h.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	cfg.Timezone = loc.String()
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	c := &Client{
		log:     log,
		cfg:     cfg,
		loc:     loc,
		limiter: rate.NewLimiter(limit, 1),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(cfg.Proxy),
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]json.RawMessage](gobreaker.Settings{
		Name:        "monitoring-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		IsSuccessful: func(err error) bool {
			// Client errors say nothing about the health of the API.
			var se *HTTPStatusError
			return err == nil || (errors.As(err, &se) && !se.Retryable())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker ", name, " changed from ", from.String(), " to ", to.String())
		},
	})
	return c, nil
}

// newTransport returns an HTTP transport using proxy, or the proxy environment variables if
// proxy is empty.
func newTransport(proxy string) *http.Transport {
	pc := httpproxy.FromEnvironment()
	if proxy != "" {
		pc.HTTPProxy = proxy
		pc.HTTPSProxy = proxy
	}
	proxyFunc := pc.ProxyFunc()
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = func(r *http.Request) (*url.URL, error) {
		return proxyFunc(r.URL)
	}
	return t
}

// Location returns the portal timezone used for naive timestamps.
func (c *Client) Location() *time.Location {
	return c.loc
}

// FetchPage returns the raw JSON records of one page.
// Network errors, 5xx and 429 responses are retried with exponential backoff. Other 4xx responses
// fail immediately. When retries are exhausted the error is a *TransientTransportError.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) ([]json.RawMessage, error) {
	u, err := c.PageUrl(req)
	if err != nil {
		return nil, err
	}
	var (
		retval     []json.RawMessage
		attempts   int
		lastStatus int
	)
	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		recs, err := c.breaker.Execute(func() ([]json.RawMessage, error) {
			return c.get(ctx, u)
		})
		if err == nil {
			retval = recs
			return nil
		}
		var se *HTTPStatusError
		if errors.As(err, &se) {
			lastStatus = se.StatusCode
			if !se.Retryable() {
				return backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.log.Warn("attempt ", attempts, " to fetch ", req.Dataset, " offset ", req.Offset, " failed: ", err)
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryWait
	eb.MaxInterval = 30 * c.cfg.RetryWait
	eb.MaxElapsedTime = 0 // bounded by RetryMax instead.
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.RetryMax)), ctx)
	if err = backoff.Retry(operation, bkoff); err != nil {
		var se *HTTPStatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientTransportError{Attempts: attempts, StatusCode: lastStatus, Err: err}
	}
	return retval, nil
}

// PageUrl builds the request URL for req.
func (c *Client) PageUrl(req PageRequest) (string, error) {
	if req.Dataset == "" {
		return "", errors.New("dataset is required")
	}
	base := strings.TrimRight(c.cfg.BaseUrl, "/")
	u, err := url.Parse(fmt.Sprintf("%v/%v/%v", base, url.PathEscape(req.Dataset), strings.Trim(c.cfg.RecordsPath, "/")))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(req.Limit))
	q.Set("offset", strconv.Itoa(req.Offset))
	if req.OrderBy != "" {
		q.Set("order_by", req.OrderBy)
	}
	if w := c.where(req); w != "" {
		q.Set("where", w)
	}
	q.Set("lang", c.cfg.Lang)
	q.Set("timezone", c.cfg.Timezone)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// where renders the time bounds of req in the API's query language.
func (c *Client) where(req PageRequest) string {
	clauses := make([]string, 0, 2)
	if req.Since != nil {
		clauses = append(clauses, fmt.Sprintf("%v >= date'%v'", stream.FieldTimestamp, h.FormatApiTimestamp(*req.Since, c.loc)))
	}
	if req.Until != nil {
		clauses = append(clauses, fmt.Sprintf("%v < date'%v'", stream.FieldTimestamp, h.FormatApiTimestamp(*req.Until, c.loc)))
	}
	return strings.Join(clauses, " AND ")
}

func (c *Client) get(ctx context.Context, u string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Apikey "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return DecodePage(body)
}
