package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout of zero leaves the transport default (no timeout).
	Timeout           time.Duration
	RequestsPerPeriod int
	Period            time.Duration
	// MaxRetries bounds retries of network errors, 408 and 5xx responses.
	MaxRetries int
	// RateLimitWait is used after a 429 without a usable Retry-After header.
	RateLimitWait time.Duration
	// MaxRateLimitWaits bounds how many 429s one URL may receive before failing.
	MaxRateLimitWaits int
}

// HTTPFetcher implements Fetcher as a single paced request stream with retries.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	pacer  *Pacer
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "priceindex-cli/1.0"
	}
	if opts.RateLimitWait <= 0 {
		opts.RateLimitWait = 10 * time.Second
	}
	if opts.MaxRateLimitWaits <= 0 {
		opts.MaxRateLimitWaits = 8
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:  opts,
		pacer: NewPacer(opts.RequestsPerPeriod, opts.Period),
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Pacer exposes the fetcher's pacer.
func (f *HTTPFetcher) Pacer() *Pacer {
	return f.pacer
}

func (f *HTTPFetcher) do(ctx context.Context, rawURL string) (*http.Response, error) {
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", rawURL))

	var (
		attempts       int
		failures       int
		rateLimitWaits int
	)
	for {
		if err := f.pacer.Wait(ctx); err != nil {
			return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: eris.Wrap(err, "rate limiter wait")}
		}
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: eris.Wrap(err, "create request")}
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil || !IsTransient(err) {
				return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: err}
			}
			failures++
			if failures > f.opts.MaxRetries {
				return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: eris.Wrap(err, "all retries exhausted")}
			}
			log.Warn("http request failed, retrying",
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			if err := f.sleep(ctx, backoff(failures-1)); err != nil {
				return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: err}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header.Get("Retry-After"), f.now(), f.opts.RateLimitWait)
			_ = resp.Body.Close()
			rateLimitWaits++
			if rateLimitWaits > f.opts.MaxRateLimitWaits {
				return nil, &FetchError{URL: rawURL, Attempts: attempts, StatusCode: resp.StatusCode}
			}
			log.Warn("rate limited (429), backing off",
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
			)
			if err := f.sleep(ctx, wait); err != nil {
				return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: err}
			}
			f.pacer.Slowdown()
			continue

		case IsTransientHTTPStatus(resp.StatusCode):
			_ = resp.Body.Close()
			failures++
			if failures > f.opts.MaxRetries {
				return nil, &FetchError{
					URL:        rawURL,
					Attempts:   attempts,
					StatusCode: resp.StatusCode,
					Err:        NewTransientError(eris.Errorf("http %d", resp.StatusCode), resp.StatusCode),
				}
			}
			log.Warn("server error, retrying",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempts),
			)
			if err := f.sleep(ctx, backoff(failures-1)); err != nil {
				return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: err}
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode > 299:
			_ = resp.Body.Close()
			return nil, &FetchError{URL: rawURL, Attempts: attempts, StatusCode: resp.StatusCode}
		}

		return resp, nil
	}
}

// backoff returns the jittered exponential delay before retry number attempt
// (zero based): 1s base, doubling, capped at 30s, plus up to 50% jitter.
func backoff(attempt int) time.Duration {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	return d + jitter
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP date.
func retryAfter(header string, now time.Time, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.do(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Get fetches the URL and returns the whole response body.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Attempts: 1, Err: eris.Wrap(err, "read body")}
	}
	return data, nil
}

// DownloadToFile fetches the URL and writes it to the given path. A partially
// written file is removed on failure.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}

	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return n, eris.Wrap(err, "fetcher: write file")
	}

	return n, nil
}
