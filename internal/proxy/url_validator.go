package proxy

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/edgequota/edgegate/internal/config"
)

// privateNetworks are the ranges refused when private networks are denied.
var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local, cloud metadata
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// ValidateInstanceURL checks an instance URL submitted through the admin
// API against policy.
func ValidateInstanceURL(raw string, policy config.URLPolicy) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	schemes := policy.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	if !slices.ContainsFunc(schemes, func(s string) bool { return strings.EqualFold(s, u.Scheme) }) {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if u.User != nil {
		return fmt.Errorf("credentials in url are not allowed")
	}
	if policy.DenyPrivateNetworks {
		return checkNotPrivate(host)
	}
	return nil
}

// checkNotPrivate rejects hosts that are, or resolve to, private addresses.
// An unresolvable host is rejected too.
func checkNotPrivate(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("IP %s is in a private/reserved range", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ip)
		}
	}
	return nil
}

// IsPrivateIP reports whether ip is in a private or reserved range.
func IsPrivateIP(ip net.IP) bool {
	return slices.ContainsFunc(privateNetworks, func(n *net.IPNet) bool { return n.Contains(ip) })
}
