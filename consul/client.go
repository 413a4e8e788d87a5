// Package consul implements the HTTP request helper, KV client and session
// handle described in spec.md §4.A-C: a hand-rolled client against the
// Consul HTTP API, deliberately not built on top of github.com/hashicorp/consul/api
// (see DESIGN.md) because reimplementing the wire protocol -- URL building,
// CAS/acquire query parameters, blocking-query index handling -- is the
// point of this package, not something to delegate.
package consul

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sotheh/tarantool-autovshard/internal/log"
)

// Client builds URLs of the form "<address>/v1/..." and executes requests
// against them, applying the configured token and timeout. It is safe for
// concurrent use: every call is independent (spec §5 "Shared resources").
type Client struct {
	address string
	token   string
	timeout time.Duration
	http    *http.Client
}

// New builds a Client from options. With no options it targets
// http://localhost:8500 with the default 2s timeout and no token.
func New(opts ...Option) *Client {
	options := Options{
		Address: DefaultAddress,
		Timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(&options)
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	return &Client{
		address: strings.TrimRight(options.Address, "/"),
		token:   options.Token,
		timeout: options.Timeout,
		http:    &http.Client{},
	}
}

// Response is the raw result of a request: status code, headers and body.
// It never represents a non-2xx status as a Go error; callers decide what
// statuses are acceptable via Err.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Err returns nil if the response status is one of okStatuses, otherwise a
// *Error describing the failure (spec §4.B "raise an error carrying the
// response status and body").
func (r *Response) Err(op string, okStatuses ...int) error {
	for _, s := range okStatuses {
		if r.Status == s {
			return nil
		}
	}
	return newError(op, r.Status, r.Body)
}

// request is the fluent request builder for component A. Every field has a
// safe zero value; Segments and Path are mutually exclusive, and a nil
// Param value is omitted from the query string entirely.
type request struct {
	c        *Client
	ctx      context.Context
	method   string
	path     string
	segments []string
	params   url.Values
	header   http.Header
	body     []byte
	timeout  time.Duration
}

func (c *Client) newRequest(ctx context.Context, method string) *request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &request{
		c:       c,
		ctx:     ctx,
		method:  method,
		params:  url.Values{},
		header:  http.Header{},
		timeout: c.timeout,
	}
}

func (r *request) Path(p string) *request {
	r.path = p
	return r
}

func (r *request) Segments(segs ...string) *request {
	r.segments = segs
	return r
}

// Param sets a query parameter unless value is nil.
func (r *request) Param(key string, value *string) *request {
	if value == nil {
		return r
	}
	r.params.Set(key, *value)
	return r
}

// Flag sets a query parameter present-with-no-value when on is true, e.g.
// "?recurse" or "?consistent".
func (r *request) Flag(key string, on bool) *request {
	if on {
		r.params.Set(key, "")
	}
	return r
}

func (r *request) Header(key, value string) *request {
	r.header.Set(key, value)
	return r
}

func (r *request) Body(b []byte) *request {
	r.body = b
	return r
}

// Timeout overrides the client's default timeout for this call only.
func (r *request) Timeout(d time.Duration) *request {
	if d > 0 {
		r.timeout = d
	}
	return r
}

func (r *request) url() string {
	u := r.c.address + "/v1"
	switch {
	case r.path != "":
		u += "/" + r.path
	case len(r.segments) > 0:
		escaped := make([]string, len(r.segments))
		for i, s := range r.segments {
			escaped[i] = url.PathEscape(s)
		}
		u += "/" + strings.Join(escaped, "/")
	}
	if len(r.params) > 0 {
		u += "?" + r.params.Encode()
	}
	return u
}

// Do builds and executes the HTTP request.
func (r *request) Do() (*Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	httpReq, err := http.NewRequest(r.method, r.url(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = r.header
	if r.c.token != "" {
		httpReq.Header.Set("X-Consul-Token", r.c.token)
	}

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	httpReq = httpReq.WithContext(ctx)

	log.Logf("[consul] %s %s", r.method, httpReq.URL.String())

	res, err := r.c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	return &Response{Status: res.StatusCode, Header: res.Header, Body: b}, nil
}
