package safety

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ventisec/ventiscan/pkg/types"
)

// Ports always acceptable for scan targets, on top of any configured extras.
var basePorts = map[int]struct{}{
	80:   {},
	443:  {},
	8080: {},
	8443: {},
}

// Validator vets target and spec URLs before the service touches them.
type Validator struct {
	allowedPorts map[int]struct{}

	// lookup is swappable in tests.
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// NewValidator builds a validator admitting the base ports plus extras.
func NewValidator(extraPorts []int) *Validator {
	ports := make(map[int]struct{}, len(basePorts)+len(extraPorts))
	for p := range basePorts {
		ports[p] = struct{}{}
	}
	for _, p := range extraPorts {
		ports[p] = struct{}{}
	}
	return &Validator{
		allowedPorts: ports,
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// CheckTarget validates a scan target URL. It rejects non-HTTP schemes,
// credentials in the URL, ports off the allowlist, and hosts that resolve
// to any non-public address. Every resolved address must be public: a
// host with one public and one internal A record is rejected outright.
// allowInternal waives only the host checks; scheme, credential and port
// rules still apply to internal targets.
func (v *Validator) CheckTarget(ctx context.Context, raw string, allowInternal bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse target: %w", types.ErrUnsafeTarget)
	}
	if allowInternal {
		return v.vetURL(u)
	}
	_, err = v.vet(ctx, u)
	return err
}

// vetURL performs the structural URL checks that hold for every target,
// internal or not.
func (v *Validator) vetURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed: %w", u.Scheme, types.ErrUnsafeTarget)
	}
	if u.User != nil {
		return fmt.Errorf("credentials in URL: %w", types.ErrUnsafeTarget)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host: %w", types.ErrUnsafeTarget)
	}

	port := u.Port()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("bad port %q: %w", port, types.ErrUnsafeTarget)
		}
		if _, ok := v.allowedPorts[n]; !ok {
			return fmt.Errorf("port %d not in allowlist: %w", n, types.ErrUnsafeTarget)
		}
	}
	return nil
}

// vet performs the shared URL checks and returns the vetted addresses.
func (v *Validator) vet(ctx context.Context, u *url.URL) ([]net.IP, error) {
	if err := v.vetURL(u); err != nil {
		return nil, err
	}
	return v.vetHost(ctx, u.Hostname())
}

// vetRaw parses and vets a raw URL string.
func (v *Validator) vetRaw(ctx context.Context, raw string) ([]net.IP, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", types.ErrUnsafeTarget)
	}
	return v.vet(ctx, u)
}

// vetHost resolves a hostname or literal address and requires every
// resulting address to be public.
func (v *Validator) vetHost(ctx context.Context, host string) ([]net.IP, error) {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("localhost target: %w", types.ErrUnsafeTarget)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return nil, fmt.Errorf("address %s is not public: %w", ip, types.ErrUnsafeTarget)
		}
		return []net.IP{ip}, nil
	}

	ips, err := v.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, types.ErrUnsafeTarget)
	}
	for _, ip := range ips {
		if !isPublicIP(ip) {
			return nil, fmt.Errorf("%s resolves to non-public %s: %w", host, ip, types.ErrUnsafeTarget)
		}
	}
	return ips, nil
}

// isPublicIP rejects loopback, RFC1918/ULA, link-local (which covers the
// cloud metadata range), multicast and unspecified addresses.
func isPublicIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	return true
}
