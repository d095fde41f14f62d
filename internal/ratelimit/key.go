package ratelimit

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/edgequota/edgegate/internal/config"
)

// KeyStrategy extracts the client identity from an HTTP request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy identifies clients by IP address.
type ClientIPStrategy struct {
	Proxies *TrustedProxies
}

// Extract returns the client IP as reported by Proxies.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	return s.Proxies.ClientIP(req), nil
}

// TrustedProxies is the set of peers allowed to report the client address
// and identity headers. A nil set trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			t.prefixes = append(t.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return t, nil
}

// Contains reports whether ip is a trusted proxy.
func (t *TrustedProxies) Contains(ip string) bool {
	if t == nil || len(t.prefixes) == 0 {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// FromProxy reports whether req arrived from a trusted proxy.
func (t *TrustedProxies) FromProxy(req *http.Request) bool {
	return t.Contains(PeerIP(req))
}

// ClientIP returns the originating address of req. Forwarding headers are
// read only when the peer is trusted: X-Forwarded-For is walked from the
// right and the first untrusted hop wins, then X-Real-IP. Anything else
// gets the peer address.
func (t *TrustedProxies) ClientIP(req *http.Request) string {
	peer := PeerIP(req)
	if !t.Contains(peer) {
		return peer
	}
	if hops := req.Header.Values("X-Forwarded-For"); len(hops) > 0 {
		parts := strings.Split(strings.Join(hops, ","), ",")
		client := ""
		for i := len(parts) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(parts[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				break
			}
			client = hop
			if !t.Contains(hop) {
				return hop
			}
		}
		if client != "" {
			return client
		}
	}
	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}
	return peer
}

// PeerIP is the host part of req.RemoteAddr.
func PeerIP(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return ip
}

// HeaderStrategy identifies clients by a request header, such as an API key
// set by an upstream authenticator.
type HeaderStrategy struct {
	HeaderName string
}

// Extract returns the header value, or an error if the header is missing/empty.
func (s *HeaderStrategy) Extract(req *http.Request) (string, error) {
	v := req.Header.Get(s.HeaderName)
	if v == "" {
		return "", fmt.Errorf("header %q is empty or missing", s.HeaderName)
	}
	return v, nil
}

// NewKeyStrategy creates a KeyStrategy from the configuration.
func NewKeyStrategy(cfg config.KeyStrategyConfig, proxies *TrustedProxies) (KeyStrategy, error) {
	switch cfg.Type {
	case config.KeyStrategyClientIP, "":
		return &ClientIPStrategy{Proxies: proxies}, nil
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be clientip or header", cfg.Type)
	}
}

// KeyBuilder turns a request into the client part of a rate-limit key.
type KeyBuilder struct {
	strategy    KeyStrategy
	fingerprint bool
}

// NewKeyBuilder creates a KeyBuilder from the configuration.
func NewKeyBuilder(cfg config.KeyStrategyConfig, proxies *TrustedProxies) (*KeyBuilder, error) {
	s, err := NewKeyStrategy(cfg, proxies)
	if err != nil {
		return nil, err
	}
	return &KeyBuilder{strategy: s, fingerprint: cfg.Fingerprint}, nil
}

// ClientKey returns "{identity}" or, with fingerprinting, "{identity}:{ua}"
// where ua is the fnv-32a hash of the User-Agent in hex. Clients sharing a
// NAT address but running different agents get separate buckets.
func (b *KeyBuilder) ClientKey(req *http.Request) (string, error) {
	id, err := b.strategy.Extract(req)
	if err != nil {
		return "", err
	}
	if !b.fingerprint {
		return id, nil
	}
	return id + ":" + Fingerprint(req.UserAgent()), nil
}

// Fingerprint is the fnv-32a hash of s in lowercase hex.
func Fingerprint(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}
