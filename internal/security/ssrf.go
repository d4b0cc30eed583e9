package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrBlockedURL marks a URL rejected by the SSRF policy. Callers treat the
// rejection as "nothing found" for that candidate, never as a fatal error.
var ErrBlockedURL = errors.New("url blocked by ssrf policy")

var blockedHosts = map[string]struct{}{
	"localhost":             {},
	"localhost.":            {},
	"localhost.localdomain": {},
	"127.0.0.1":             {},
	"::1":                   {},
	"0.0.0.0":               {},
	"[::1]":                 {},
}

var (
	octalIPPattern   = regexp.MustCompile(`^0[0-7]*(\.[0-7]+){0,3}$`)
	hexIPPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]+(\.[0-9a-fA-F]+){0,3}$`)
	decimalIPPattern = regexp.MustCompile(`^\d{8,10}$`)
)

// Validator enforces the outbound-request policy: http(s) only, no loopback,
// link-local, private or otherwise internal targets, including hosts that
// resolve to such addresses.
type Validator struct {
	// LookupHost overrides DNS resolution; nil uses net.DefaultResolver.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// Validate returns an error wrapping ErrBlockedURL when raw must not be
// fetched. The check is best effort: DNS rebinding between validation and use
// is out of scope.
func (v *Validator) Validate(ctx context.Context, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable url", ErrBlockedURL)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrBlockedURL, parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("%w: missing hostname", ErrBlockedURL)
	}

	lower := strings.ToLower(hostname)
	if _, ok := blockedHosts[lower]; ok {
		return fmt.Errorf("%w: host %q points to localhost", ErrBlockedURL, hostname)
	}

	if isObfuscatedIP(lower) {
		return fmt.Errorf("%w: obfuscated ip literal %q", ErrBlockedURL, hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isInternalIP(ip) {
			return fmt.Errorf("%w: ip %q is internal", ErrBlockedURL, hostname)
		}
		return nil
	}

	lookup := v.lookupFunc()
	addrs, err := lookup(ctx, hostname)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrBlockedURL, hostname)
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && isInternalIP(ip) {
			return fmt.Errorf("%w: %q resolves to internal address %s", ErrBlockedURL, hostname, addr)
		}
	}

	return nil
}

func (v *Validator) lookupFunc() func(ctx context.Context, host string) ([]string, error) {
	if v != nil && v.LookupHost != nil {
		return v.LookupHost
	}
	return net.DefaultResolver.LookupHost
}

// isObfuscatedIP detects octal (0177.0.0.1), hex (0x7f000001) and plain
// decimal (2130706433) encodings of IPv4 addresses that bypass net.ParseIP.
func isObfuscatedIP(hostname string) bool {
	if octalIPPattern.MatchString(hostname) {
		return true
	}
	if hexIPPattern.MatchString(hostname) {
		return true
	}
	if decimalIPPattern.MatchString(hostname) {
		if value, err := strconv.ParseUint(hostname, 10, 64); err == nil && value <= 0xFFFFFFFF {
			return true
		}
	}
	return false
}

func isInternalIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 == nil {
		// IPv4-mapped IPv6 forms are unwrapped by To4; everything left here
		// is genuine IPv6.
		if ip.Equal(net.IPv6unspecified) {
			return true
		}
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsInterfaceLocalMulticast()
}
