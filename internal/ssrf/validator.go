// Package ssrf validates that an upstream's base URL resolves to a host the
// Proxy Engine is allowed to connect to, re-checked at every dispatch attempt
// (not once at admin-write time) since DNS answers can change between
// requests. No third-party SSRF-guard package is a better fit here, so this
// stays on net/net.IP — the standard library already expresses every check
// this needs (scheme, loopback, private, link-local, multicast, IPv4-mapped
// ranges) without inventing anything.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Config allows an operator to explicitly approve otherwise-blocked CIDRs for
// upstreams that are intentionally internal (e.g. an in-cluster mock).
type Config struct {
	AllowCIDRs []*net.IPNet
}

// Resolver abstracts DNS resolution so tests can substitute fixed answers
// without a real lookup.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator checks upstream base URLs against the SSRF policy.
type Validator struct {
	cfg      Config
	resolver Resolver
}

// New builds a Validator using net.DefaultResolver.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg, resolver: net.DefaultResolver}
}

// NewWithResolver builds a Validator with a custom resolver, for tests.
func NewWithResolver(cfg Config, r Resolver) *Validator {
	return &Validator{cfg: cfg, resolver: r}
}

// RejectedError marks a base URL that fails the SSRF policy. The Failover
// Executor gives it no special handling: the attempt is recorded as
// retriable and the next candidate is tried, and no 400 is written for it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "ssrf: " + e.Reason }

// Validate parses rawURL and confirms both its literal form and its resolved
// IP addresses are acceptable. Call this immediately before every dispatch
// attempt — not once when the upstream was configured — so a DNS answer that
// has since been repointed at a metadata endpoint is still caught.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &RejectedError{Reason: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &RejectedError{Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return &RejectedError{Reason: "missing host"}
	}

	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip)
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return &RejectedError{Reason: fmt.Sprintf("dns resolution failed: %v", err)}
	}
	if len(addrs) == 0 {
		return &RejectedError{Reason: "dns resolution returned no addresses"}
	}
	for _, a := range addrs {
		if err := v.checkIP(a.IP); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkIP(ip net.IP) error {
	for _, allowed := range v.cfg.AllowCIDRs {
		if allowed.Contains(ip) {
			return nil
		}
	}

	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}

	switch {
	case ip.IsLoopback():
		return &RejectedError{Reason: "loopback address " + ip.String()}
	case ip.IsPrivate():
		return &RejectedError{Reason: "private address " + ip.String()}
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return &RejectedError{Reason: "link-local address " + ip.String()}
	case ip.IsMulticast():
		return &RejectedError{Reason: "multicast address " + ip.String()}
	case ip.IsUnspecified():
		return &RejectedError{Reason: "unspecified address " + ip.String()}
	case isIPv4MappedMetadata(ip):
		return &RejectedError{Reason: "cloud metadata address " + ip.String()}
	}
	return nil
}

// metadataV4 covers the well-known 169.254.0.0/16 link-local block most cloud
// metadata services bind to (already caught by IsLinkLocalUnicast above on
// most platforms, but called out explicitly so the check does not silently
// depend on IsLinkLocalUnicast's exact definition).
var metadataV4 = mustParseCIDR("169.254.0.0/16")

func isIPv4MappedMetadata(ip net.IP) bool {
	return metadataV4.Contains(ip)
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ParseAllowCIDRs converts operator-configured CIDR strings into the form
// Config expects, skipping unparseable entries silently is deliberately not
// done here: a malformed override should fail configuration loading loudly.
func ParseAllowCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid CIDR %q: %w", c, err)
		}
		out = append(out, n)
	}
	return out, nil
}
