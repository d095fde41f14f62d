package loadbalancer

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgequota/edgegate/internal/config"
)

// StickySettings says where session keys come from and how long a binding lives.
type StickySettings struct {
	Header string
	Cookie string
	TTL    time.Duration
}

// StickySettingsFrom converts validated config.
func StickySettingsFrom(c config.StickyConfig) StickySettings {
	s := StickySettings{
		Header: c.Header,
		Cookie: c.Cookie,
		TTL:    config.MustParseDuration(c.TTL, time.Hour),
	}
	if s.Header == "" {
		s.Header = "X-Session-ID"
	}
	if s.Cookie == "" {
		s.Cookie = "session_id"
	}
	return s
}

// SessionKey derives the sticky key from r: the session header, then the
// session cookie, then a hash of the Authorization header. Empty when none
// is present.
func (s StickySettings) SessionKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(s.Header)); v != "" {
		return v
	}
	if c, err := r.Cookie(s.Cookie); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(auth))
		return "auth-" + strconv.FormatUint(h.Sum64(), 16)
	}
	return ""
}
