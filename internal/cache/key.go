package cache

import (
	"net/url"
	"sort"
	"strings"
)

// idParams are the request parameters consulted, in order, for the
// identifier segment of a default cache key.
var idParams = []string{"system_id", "id", "name"}

// KeyOptions controls cache key generation.
type KeyOptions struct {
	// IncludeQueryParams appends the request's query string to the key.
	IncludeQueryParams bool

	// QueryParams restricts the appended query string to the named
	// parameters. Empty means all parameters.
	QueryParams []string

	// KeyGenerator fully overrides the default algorithm.
	KeyGenerator func(uri string, params map[string]string) string
}

// GenerateKey derives a cache key from a resource name, a request URI,
// and the request parameters.
//
// The default key is "{resource}:{path}", extended with ":{id}" when the
// parameters carry an identifier (system_id, id, or name, in that
// order), and with ":{query}" when query parameters are included. A
// custom KeyGenerator replaces the whole algorithm.
func (m *Manager) GenerateKey(resource, uri string, params map[string]string, opts *KeyOptions) string {
	if opts != nil && opts.KeyGenerator != nil {
		return opts.KeyGenerator(uri, params)
	}

	path, query := splitURI(uri)

	var b strings.Builder
	b.WriteString(resource)
	b.WriteString(":")
	b.WriteString(path)

	for _, param := range idParams {
		if id, ok := params[param]; ok && id != "" {
			b.WriteString(":")
			b.WriteString(id)
			break
		}
	}

	if opts != nil && opts.IncludeQueryParams {
		var allowed []string
		if len(opts.QueryParams) > 0 {
			allowed = opts.QueryParams
		}
		if qs := canonicalQuery(query, allowed); qs != "" {
			b.WriteString(":")
			b.WriteString(qs)
		}
	}

	return b.String()
}

// splitURI separates a request URI into its path and query parts. For
// scheme URIs ("maas://machines/abc"), the host is part of the path.
func splitURI(uri string) (path string, query url.Values) {
	u, err := url.Parse(uri)
	if err != nil {
		if before, _, found := strings.Cut(uri, "?"); found {
			return before, nil
		}
		return uri, nil
	}

	path = u.Path
	if u.Host != "" {
		path = u.Host + u.Path
	}
	if path == "" {
		path = u.Opaque
	}

	return path, u.Query()
}

// canonicalQuery serializes query parameters sorted by name so that
// parameter order never changes the key. When allowed is non-empty,
// only the named parameters participate.
func canonicalQuery(query url.Values, allowed []string) string {
	if len(query) == 0 {
		return ""
	}

	names := make([]string, 0, len(query))
	if len(allowed) > 0 {
		for _, name := range allowed {
			if _, ok := query[name]; ok {
				names = append(names, name)
			}
		}
	} else {
		for name := range query {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		for _, v := range query[name] {
			parts = append(parts, name+"="+v)
		}
	}

	return strings.Join(parts, "&")
}
