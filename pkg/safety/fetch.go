package safety

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/types"
)

const (
	maxRedirects = 5
	fetchTimeout = 30 * time.Second
)

// Fetcher retrieves remote OpenAPI documents with the same address vetting
// as scan targets. The dialer re-vets and pins the address on every
// connection, so a DNS answer that changes between validation and fetch
// cannot redirect the request to an internal host.
type Fetcher struct {
	validator *Validator
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	maxBytes  int64
}

// NewFetcher builds a fetcher capped at maxBytes of response body.
func NewFetcher(v *Validator, maxBytes int64) *Fetcher {
	f := &Fetcher{
		validator: v,
		maxBytes:  maxBytes,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := v.vetHost(ctx, host)
			if err != nil {
				return nil, err
			}
			// Dial the vetted address, not the hostname.
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
	}

	f.client = &http.Client{
		Timeout:   fetchTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("more than %d redirects", maxRedirects)
			}
			// Each hop goes through the pinning dialer, but scheme and
			// port checks happen here.
			if _, err := v.vet(req.Context(), req.URL); err != nil {
				return err
			}
			return nil
		},
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "spec-fetch",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("safety").Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return f
}

// Fetch downloads a spec document from a vetted URL. Transport failures
// and non-2xx statuses come back as ErrFetchFailed; bodies over the cap
// as ErrSpecTooLarge. Repeated failures trip the circuit breaker, which
// then fails fast until its cool-down elapses.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := f.validator.vetRaw(ctx, rawURL); err != nil {
		return nil, err
	}

	body, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetchOnce(ctx, rawURL)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("spec fetch unavailable: %w", types.ErrFetchFailed)
		}
		return nil, err
	}
	return body.([]byte), nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, types.ErrFetchFailed)
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", rawURL, err, types.ErrFetchFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d: %w", rawURL, resp.StatusCode, types.ErrFetchFailed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", rawURL, err, types.ErrFetchFailed)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("spec at %s exceeds %d bytes: %w", rawURL, f.maxBytes, types.ErrSpecTooLarge)
	}
	return body, nil
}
