package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// maxFetchBody caps how much of a response is read into memory.
const maxFetchBody = 4 << 20 // 4 MiB

// Fetcher is the default HTTPFetcher: a shared transport behind a circuit
// breaker, so a collapsing upstream fails fast instead of tying up worker
// slots.
type Fetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(logger *slog.Logger) *Fetcher {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbound_http",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("outbound http circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return &Fetcher{
		client: &http.Client{
			// Redirects are handled per request so the cap can vary.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker: breaker,
		logger:  logger,
	}
}

// Get performs a GET with the given timeout and redirect cap.
func (f *Fetcher) Get(ctx context.Context, url string, timeout time.Duration, maxRedirects int) (FetchResult, error) {
	return f.do(ctx, http.MethodGet, url, timeout, maxRedirects)
}

// Head performs a HEAD with the given timeout and redirect cap.
func (f *Fetcher) Head(ctx context.Context, url string, timeout time.Duration, maxRedirects int) (FetchResult, error) {
	return f.do(ctx, http.MethodHead, url, timeout, maxRedirects)
}

func (f *Fetcher) do(ctx context.Context, method, url string, timeout time.Duration, maxRedirects int) (FetchResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.follow(reqCtx, method, url, maxRedirects)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return FetchResult{}, fmt.Errorf("outbound http circuit open for %s %s: %w", method, url, err)
		}
		return FetchResult{}, err
	}
	return out.(FetchResult), nil
}

// follow issues the request, chasing up to maxRedirects redirects by hand.
func (f *Fetcher) follow(ctx context.Context, method, url string, maxRedirects int) (FetchResult, error) {
	current := url
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, current, nil)
		if err != nil {
			return FetchResult{}, fmt.Errorf("building %s %s: %w", method, current, err)
		}
		req.Header.Set("User-Agent", "village-homepage/1.0 (+https://villagehomepage.com)")

		resp, err := f.client.Do(req)
		if err != nil {
			return FetchResult{}, fmt.Errorf("%s %s: %w", method, current, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxFetchBody))
			resp.Body.Close()
			if loc == "" || hop >= maxRedirects {
				return FetchResult{StatusCode: resp.StatusCode, Headers: resp.Header}, nil
			}
			next, err := resp.Request.URL.Parse(loc)
			if err != nil {
				return FetchResult{}, fmt.Errorf("bad redirect from %s: %w", current, err)
			}
			current = next.String()
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		resp.Body.Close()
		if err != nil {
			return FetchResult{}, fmt.Errorf("reading %s %s: %w", method, current, err)
		}

		return FetchResult{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       body,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}, nil
	}
}

// parseRetryAfter handles the delta-seconds form of Retry-After; the
// HTTP-date form is rare enough from our collaborators to ignore.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
