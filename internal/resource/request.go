package resource

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request describes one call. It is a value: every With* method returns a modified copy,
// so a Request can be shared and reused without one call leaking parameters into the next.
type Request struct {
	Method string
	Path   string

	query         map[string]string
	header        http.Header
	replaceHeader bool
	body          interface{}
	hasBody       bool
}

// NewRequest starts a request for method against a path relative to the client endpoint
func NewRequest(method, path string) Request {
	return Request{Method: method, Path: path}
}

// WithQuery returns a copy with key set to value
func (r Request) WithQuery(key, value string) Request {
	r.query = cloneQuery(r.query, 1)
	r.query[key] = value
	return r
}

// WithQueryValues returns a copy with every pair of params set
func (r Request) WithQueryValues(params map[string]string) Request {
	r.query = cloneQuery(r.query, len(params))
	for key, value := range params {
		r.query[key] = value
	}
	return r
}

// WithFields restricts the response to the named fields (`fields=a,b`)
func (r Request) WithFields(fields ...string) Request {
	return r.WithQuery("fields", strings.Join(fields, ","))
}

// WithExpand asks for extra fields (`expand=a,b`)
func (r Request) WithExpand(fields ...string) Request {
	return r.WithQuery("expand", strings.Join(fields, ","))
}

// WithHeader returns a copy overriding a single header on top of the defaults
func (r Request) WithHeader(key, value string) Request {
	r.header = cloneHeader(r.header)
	r.header.Set(key, value)
	return r
}

// WithHeaders returns a copy whose headers replace the client defaults entirely, for this request only
func (r Request) WithHeaders(header http.Header) Request {
	r.header = header.Clone()
	if r.header == nil {
		r.header = http.Header{}
	}
	r.replaceHeader = true
	return r
}

// WithBody returns a copy carrying entity, JSON-encoded when sent
func (r Request) WithBody(entity interface{}) Request {
	r.body = entity
	r.hasBody = true
	return r
}

// Query returns a copy of the query parameters
func (r Request) Query() map[string]string {
	return cloneQuery(r.query, 0)
}

// headers merges defaults with the request's own header set
func (r Request) headers(defaults http.Header) http.Header {
	if r.replaceHeader {
		return r.header.Clone()
	}
	merged := defaults.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for key, values := range r.header {
		merged[key] = append([]string(nil), values...)
	}
	return merged
}

// EncodeQuery renders params as percent-encoded key=value pairs joined by '&',
// keys sorted, spaces as %20. Empty params render as "".
func EncodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, encodeComponent(key)+"="+encodeComponent(params[key]))
	}
	return strings.Join(pairs, "&")
}

func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func cloneQuery(src map[string]string, extra int) map[string]string {
	dst := make(map[string]string, len(src)+extra)
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return http.Header{}
	}
	return src.Clone()
}
