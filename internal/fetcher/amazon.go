package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/resilience"
)

// AmazonOptions configures the product page fetcher.
type AmazonOptions struct {
	BaseURL   string
	UserAgent string
	// Timeout bounds each HTTP attempt, not the retry sequence.
	Timeout time.Duration
	// RatePerSecond caps request rate to the host before throttling adjusts it.
	RatePerSecond float64
	Retry         resilience.RetryConfig
	Breaker       resilience.BreakerConfig
}

const (
	defaultBaseURL   = "https://www.amazon.com"
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxPageBytes     = 4 << 20
)

// AmazonFetcher scrapes product pages by ASIN.
type AmazonFetcher struct {
	client  *http.Client
	opts    AmazonOptions
	limiter *AdaptiveLimiter
	breaker *resilience.Breaker
}

// NewAmazonFetcher creates a fetcher with retries, pacing, and a circuit
// breaker around the product host.
func NewAmazonFetcher(opts AmazonOptions) *AmazonFetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.FetchRetryConfig()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.LogRetries("fetcher", "amazon page")
	}
	if opts.Breaker.Trips == nil {
		opts.Breaker.Trips = resilience.IsTransient
	}
	if opts.Breaker.OnChange == nil {
		opts.Breaker.OnChange = func(from, to resilience.BreakerState) {
			zap.L().Warn("fetcher: circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &AmazonFetcher{
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:    opts,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RatePerSecond), 1),
		breaker: resilience.NewBreaker(opts.Breaker),
	}
}

// Breaker exposes the fetcher's circuit breaker for health reporting.
func (f *AmazonFetcher) Breaker() *resilience.Breaker {
	return f.breaker
}

// Fetch implements PriceFetcher.
func (f *AmazonFetcher) Fetch(ctx context.Context, asin string) (model.Observation, error) {
	if asin == "" {
		return model.Observation{Err: "could not extract ASIN"}, nil
	}

	body, err := resilience.Call(ctx, f.breaker, func(ctx context.Context) (string, error) {
		return resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) (string, error) {
			return f.get(ctx, asin)
		})
	})
	switch {
	case err == nil:
		return ParsePage(body), nil
	case errors.Is(err, resilience.ErrBreakerOpen):
		return model.Observation{}, err
	case ctx.Err() != nil:
		return model.Observation{}, eris.Wrap(ctx.Err(), "fetcher: fetch cancelled")
	}

	zap.L().Debug("fetcher: giving up on product page", zap.String("asin", asin), zap.Error(err))
	return model.Observation{Err: fetchNote(err)}, nil
}

func (f *AmazonFetcher) get(ctx context.Context, asin string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "fetcher: wait for rate limiter")
	}

	url := fmt.Sprintf("%s/dp/%s", f.opts.BaseURL, asin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: build request for %s", asin)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: get %s", asin)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("fetcher: %s returned status %d", asin, resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
				f.limiter.OnThrottle()
			}
			return "", &resilience.TransientError{
				Err:        statusErr,
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}
		return "", &statusError{code: resp.StatusCode, err: statusErr}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: read body for %s", asin)
	}
	f.limiter.OnSuccess()
	return string(data), nil
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func fetchNote(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusNotFound {
			return "product page not found (404)"
		}
		return fmt.Sprintf("request failed with status %d", se.code)
	}
	var te *resilience.TransientError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return fmt.Sprintf("request failed with status %d after retries", te.StatusCode)
	}
	msg := err.Error()
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return "request failed: " + msg
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
