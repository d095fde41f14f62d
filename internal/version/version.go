// Package version resolves the API version of a request from the Accept
// media type, the path, a header, the query string or the configured
// default, in that order.
package version

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgequota/edgegate/internal/config"
)

// Source names where a version was found.
type Source string

const (
	SourceAccept  Source = "accept"
	SourcePath    Source = "path"
	SourceHeader  Source = "header"
	SourceQuery   Source = "query"
	SourceDefault Source = "default"
)

// ErrorCode is the error code of every resolution failure.
const ErrorCode = "INVALID_API_VERSION"

// Info is one row of the version table.
type Info struct {
	Version     string    `json:"version"`
	Supported   bool      `json:"supported"`
	Deprecated  bool      `json:"deprecated"`
	SunsetDate  time.Time `json:"sunset_date,omitzero"`
	Replacement string    `json:"replacement_version,omitempty"`
	Features    []string  `json:"supported_features"`
}

// Resolution is a resolved request version.
type Resolution struct {
	Version string
	Source  Source
	Info    Info
}

// Error reports a version that is unknown or no longer supported.
type Error struct {
	Requested string
	Source    Source
	Supported []string
	Examples  map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("unsupported API version %q from %s; supported versions: %s",
		e.Requested, e.Source, strings.Join(e.Supported, ", "))
}

// Code returns the response error code.
func (e *Error) Code() string { return ErrorCode }

var (
	pathRe   = regexp.MustCompile(`^(/api)?/v([0-9]+)(/|$)`)
	numberRe = regexp.MustCompile(`^[vV]?([0-9]+)$`)
)

// Resolver resolves versions against a static table. It is immutable;
// reloads build a new one.
type Resolver struct {
	product    string
	def        string
	queryParam string
	acceptRe   *regexp.Regexp
	table      map[string]Info
	order      []string
	supported  []string
}

// NewResolver builds a resolver from validated config.
func NewResolver(cfg config.VersioningConfig) (*Resolver, error) {
	product := cfg.Product
	if product == "" {
		product = "edgegate"
	}
	r := &Resolver{
		product:    product,
		def:        Normalize(cfg.Default),
		queryParam: cfg.QueryParam,
		acceptRe:   regexp.MustCompile(`application/vnd\.` + regexp.QuoteMeta(product) + `\.v([0-9]+)\+json`),
		table:      make(map[string]Info, len(cfg.Versions)),
	}
	if r.queryParam == "" {
		r.queryParam = "version"
	}
	for _, vc := range cfg.Versions {
		v := Normalize(vc.Version)
		info := Info{
			Version:     v,
			Supported:   vc.IsSupported(),
			Deprecated:  vc.Deprecated,
			Replacement: Normalize(vc.Replacement),
			Features:    vc.Features,
		}
		if vc.SunsetDate != "" {
			t, err := time.Parse(time.DateOnly, vc.SunsetDate)
			if err != nil {
				return nil, fmt.Errorf("version %s: sunset date: %w", v, err)
			}
			info.SunsetDate = t
		}
		r.table[v] = info
		r.order = append(r.order, v)
		if info.Supported {
			r.supported = append(r.supported, v)
		}
	}
	if info, ok := r.table[r.def]; !ok || !info.Supported {
		return nil, fmt.Errorf("default version %q is not a supported version", cfg.Default)
	}
	return r, nil
}

// Normalize maps "2", "V2" and "v2" to "v2". Anything else is returned
// trimmed and lowercased.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if m := numberRe.FindStringSubmatch(v); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return "v" + strconv.Itoa(n)
		}
	}
	return strings.ToLower(v)
}

// Supported returns the supported versions in table order.
func (r *Resolver) Supported() []string {
	return append([]string(nil), r.supported...)
}

// Default returns the default version.
func (r *Resolver) Default() string { return r.def }

// Lookup returns the table row of v.
func (r *Resolver) Lookup(v string) (Info, bool) {
	info, ok := r.table[Normalize(v)]
	return info, ok
}

// Table returns every row, supported or not, in config order.
func (r *Resolver) Table() []Info {
	out := make([]Info, 0, len(r.order))
	for _, v := range r.order {
		out = append(out, r.table[v])
	}
	return out
}

// Resolve finds the requested version. The first source that carries a
// version decides; a bad value there is an error, never a fallthrough.
func (r *Resolver) Resolve(req *http.Request) (Resolution, error) {
	raw, src := r.requested(req)
	v := Normalize(raw)
	info, ok := r.table[v]
	if !ok || !info.Supported {
		return Resolution{}, &Error{
			Requested: raw,
			Source:    src,
			Supported: r.Supported(),
			Examples:  r.examples(),
		}
	}
	return Resolution{Version: v, Source: src, Info: info}, nil
}

func (r *Resolver) requested(req *http.Request) (string, Source) {
	for _, accept := range req.Header.Values("Accept") {
		if m := r.acceptRe.FindStringSubmatch(accept); m != nil {
			return "v" + m[1], SourceAccept
		}
	}
	if m := pathRe.FindStringSubmatch(req.URL.Path); m != nil {
		return "v" + m[2], SourcePath
	}
	for _, h := range []string{"X-API-Version", "API-Version"} {
		if v := strings.TrimSpace(req.Header.Get(h)); v != "" {
			return v, SourceHeader
		}
	}
	q := req.URL.Query()
	for _, p := range []string{r.queryParam, "api-version"} {
		if v := strings.TrimSpace(q.Get(p)); v != "" {
			return v, SourceQuery
		}
	}
	return r.def, SourceDefault
}

func (r *Resolver) examples() map[string]string {
	v := r.def
	return map[string]string{
		"accept": "Accept: application/vnd." + r.product + "." + v + "+json",
		"path":   "/api/" + v + "/...",
		"header": "X-API-Version: " + v,
		"query":  "?" + r.queryParam + "=" + v,
	}
}

// StripPrefix removes a /v{N} segment from the front of path, keeping a
// leading /api: /api/v2/companies/1 becomes /api/companies/1.
func StripPrefix(path string) string {
	loc := pathRe.FindStringSubmatchIndex(path)
	if loc == nil {
		return path
	}
	api := ""
	if loc[2] >= 0 {
		api = "/api"
	}
	rest := path[loc[1]:]
	if loc[6] < loc[7] {
		rest = "/" + rest
	}
	if out := api + rest; out != "" {
		return out
	}
	return "/"
}

// Rewrite strips the version prefix from the request path in place.
func Rewrite(req *http.Request) {
	stripped := StripPrefix(req.URL.Path)
	if stripped == req.URL.Path {
		return
	}
	req.URL.Path = stripped
	if req.URL.RawPath != "" {
		req.URL.RawPath = StripPrefix(req.URL.RawPath)
	}
}

// SetHeaders writes the version response headers. Deprecated versions
// also get Deprecation, Sunset, Warning and a successor Link.
func (r *Resolver) SetHeaders(h http.Header, res Resolution, path string) {
	h.Set("X-API-Version", res.Version)
	h.Set("X-API-Supported-Versions", strings.Join(r.supported, ", "))
	if !res.Info.Deprecated {
		return
	}
	h.Set("Deprecation", "true")
	warning := fmt.Sprintf("API version %s is deprecated", res.Version)
	if !res.Info.SunsetDate.IsZero() {
		h.Set("Sunset", res.Info.SunsetDate.UTC().Format(http.TimeFormat))
		warning += " and will be removed on " + res.Info.SunsetDate.Format(time.DateOnly)
	}
	if rep := res.Info.Replacement; rep != "" {
		warning += ". Please migrate to " + rep
		h.Set("Link", fmt.Sprintf(`<%s>; rel="successor-version"`, successorPath(path, rep)))
	}
	h.Set("Warning", fmt.Sprintf(`299 - %q`, warning))
}

// successorPath puts version v into path after an optional /api segment.
func successorPath(path, v string) string {
	p := StripPrefix(path)
	if rest, ok := strings.CutPrefix(p, "/api"); ok && (rest == "" || rest[0] == '/') {
		return (&url.URL{Path: "/api/" + v + rest}).EscapedPath()
	}
	return (&url.URL{Path: "/" + v + p}).EscapedPath()
}

type ctxKey struct{}

// WithResolution stores res in ctx.
func WithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, ctxKey{}, res)
}

// FromContext returns the resolution stored by WithResolution.
func FromContext(ctx context.Context) (Resolution, bool) {
	res, ok := ctx.Value(ctxKey{}).(Resolution)
	return res, ok
}
