package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventisec/ventiscan/pkg/types"
)

// fakeLookup resolves a fixed host table without touching the network.
func fakeLookup(table map[string][]string) func(context.Context, string) ([]net.IP, error) {
	return func(_ context.Context, host string) ([]net.IP, error) {
		addrs, ok := table[host]
		if !ok {
			return nil, fmt.Errorf("no such host %s", host)
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, net.ParseIP(a))
		}
		return ips, nil
	}
}

func newTestValidator(extraPorts []int) *Validator {
	v := NewValidator(extraPorts)
	v.lookup = fakeLookup(map[string][]string{
		"api.example.com":   {"203.0.113.10"},
		"multi.example.com": {"203.0.113.10", "203.0.113.11"},
		"evil.example.com":  {"203.0.113.10", "10.0.0.5"},
		"rebind.example.com": {"192.168.1.1"},
	})
	return v
}

func TestCheckTarget(t *testing.T) {
	v := newTestValidator(nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		target string
		wantOK bool
	}{
		{"https default port", "https://api.example.com/v1", true},
		{"http default port", "http://api.example.com", true},
		{"allowed explicit port", "https://api.example.com:8443/v1", true},
		{"multiple public records", "https://multi.example.com", true},
		{"public IP literal", "http://203.0.113.10/api", true},

		{"ftp scheme", "ftp://api.example.com/spec", false},
		{"file scheme", "file:///etc/passwd", false},
		{"credentials in url", "https://user:pw@api.example.com", false},
		{"missing host", "https:///v1", false},
		{"port off allowlist", "https://api.example.com:9200", false},
		{"localhost", "http://localhost:8080", false},
		{"localhost subdomain", "http://foo.localhost", false},
		{"loopback literal", "http://127.0.0.1", false},
		{"private literal", "http://10.1.2.3", false},
		{"link-local metadata", "http://169.254.169.254/latest/meta-data", false},
		{"ipv6 loopback", "http://[::1]:8080", false},
		{"ipv6 ula", "http://[fd00::1]", false},
		{"mixed public and private records", "https://evil.example.com", false},
		{"resolves private", "https://rebind.example.com", false},
		{"unresolvable host", "https://ghost.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CheckTarget(ctx, tt.target, false)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, types.ErrUnsafeTarget), "got %v", err)
			}
		})
	}
}

func TestCheckTargetAllowInternal(t *testing.T) {
	v := newTestValidator(nil)
	ctx := context.Background()

	// Host vetting is waived for internal targets.
	assert.NoError(t, v.CheckTarget(ctx, "http://127.0.0.1:8080", true))
	assert.NoError(t, v.CheckTarget(ctx, "http://10.1.2.3", true))
	assert.NoError(t, v.CheckTarget(ctx, "http://localhost:8080", true))

	// Everything else still applies.
	tests := []struct {
		name   string
		target string
	}{
		{"ftp scheme", "ftp://10.1.2.3/spec"},
		{"credentials in url", "http://user:pw@10.1.2.3"},
		{"port off allowlist", "http://10.1.2.3:9200"},
		{"missing host", "http:///v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CheckTarget(ctx, tt.target, true)
			assert.True(t, errors.Is(err, types.ErrUnsafeTarget), "got %v", err)
		})
	}
}

func TestCheckTargetExtraPorts(t *testing.T) {
	v := newTestValidator([]int{9200})
	err := v.CheckTarget(context.Background(), "https://api.example.com:9200", false)
	assert.NoError(t, err)
}

func TestFetchRejectsUnsafeURL(t *testing.T) {
	f := NewFetcher(newTestValidator(nil), 1<<20)
	_, err := f.Fetch(context.Background(), "http://169.254.169.254/latest/meta-data")
	assert.True(t, errors.Is(err, types.ErrUnsafeTarget))
}

func TestFetchOnce(t *testing.T) {
	big := strings.Repeat("a", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, "openapi: 3.0.0")
		case "/big":
			fmt.Fprint(w, big)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(newTestValidator(nil), 1024)
	f.client = srv.Client() // bypass the pinning dialer for the local server

	body, err := f.fetchOnce(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "openapi: 3.0.0", string(body))

	_, err = f.fetchOnce(context.Background(), srv.URL+"/big")
	assert.True(t, errors.Is(err, types.ErrSpecTooLarge))

	_, err = f.fetchOnce(context.Background(), srv.URL+"/missing")
	assert.True(t, errors.Is(err, types.ErrFetchFailed))
}

func TestFetchFailsFastWhenBreakerOpen(t *testing.T) {
	f := NewFetcher(newTestValidator(nil), 1024)

	// Trip the breaker with consecutive failures.
	for i := 0; i < 5; i++ {
		_, _ = f.breaker.Execute(func() (interface{}, error) {
			return nil, errors.New("down")
		})
	}

	// The URL vets fine but the breaker is open, so no dial happens.
	_, err := f.Fetch(context.Background(), "https://api.example.com/openapi.yaml")
	assert.True(t, errors.Is(err, types.ErrFetchFailed))
}
