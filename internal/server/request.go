package server

import (
	"net/http"
	"net/url"
	"strings"

	"example.com/netprobed/v2/internal/query"
)

// Request is the transport-independent view of an inbound request that
// handlers work with. It is immutable once built.
type Request struct {
	Method   string
	Path     string // decoded path, without the query
	RawQuery string // everything after the first '?', still encoded
	Header   http.Header
	body     []byte
}

// NewRequest builds a Request from a method, a raw URL (path plus optional
// query) and a body. The path is percent-decoded when possible.
func NewRequest(method, rawURL string, body []byte) *Request {
	p, rawQuery := query.Split(rawURL)
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	return &Request{
		Method:   method,
		Path:     p,
		RawQuery: rawQuery,
		Header:   make(http.Header),
		body:     body,
	}
}

// requestFromHTTP adapts a net/http request whose body has already been read.
func requestFromHTTP(r *http.Request, body []byte) *Request {
	return &Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		body:     body,
	}
}

// URL returns the path followed by "?query" when a query is present.
func (r *Request) URL() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// HasQuery reports whether the request URL carried a query string.
func (r *Request) HasQuery() bool {
	return r.RawQuery != ""
}

// Query parses the query string.
func (r *Request) Query() query.Values {
	return query.Parse(r.RawQuery)
}

// BodyString decodes the body as UTF-8 text, replacing invalid sequences.
func (r *Request) BodyString() string {
	return strings.ToValidUTF8(string(r.body), "�")
}
