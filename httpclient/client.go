package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// Client is the HTTP client layer of spec.md §4.5: it owns the transfer
// pump, the default cache/jar/retry configuration, and the underlying
// *http.Transport. Builders are created from a Client and are
// immutable-per-operation: each fluent call returns the same *Builder
// mutated in place (matching the teacher's own httpcli.Request builder
// style), but a Builder is never shared across concurrent Send calls.
type Client struct {
	loop      *eventloop.Loop
	transport *http.Transport

	cache    Cache
	jar      Jar
	retry    RetryConfig
	timeout  time.Duration
	protocol ProtocolPreference

	userAgent       string
	followRedirects bool
	throwOnError    bool
	cacheTTL        time.Duration

	optErr error
}

// ClientOption configures a [Client] at construction time.
type ClientOption func(*Client)

// WithCache overrides the default [Cache] (an in-memory map) with c.
func WithCache(c Cache) ClientOption { return func(cl *Client) { cl.cache = c } }

// WithJar installs a cookie [Jar]. Without this option the client sends no
// cookies and ignores Set-Cookie responses.
func WithJar(j Jar) ClientOption { return func(cl *Client) { cl.jar = j } }

// WithRetry enables the retry engine with cfg. The zero value of
// [RetryConfig] (MaxRetries: 0) disables retries. cfg is validated eagerly
// per [RetryConfig.Validate]; a violation surfaces as NewClient's returned
// error rather than failing the first retried request.
func WithRetry(cfg RetryConfig) ClientOption {
	return func(cl *Client) {
		if err := cfg.Validate(); err != nil && cl.optErr == nil {
			cl.optErr = err
		}
		cl.retry = cfg
	}
}

// WithTimeout sets the per-request default timeout applied when a Builder
// does not override it.
func WithTimeout(d time.Duration) ClientOption { return func(cl *Client) { cl.timeout = d } }

// WithUserAgent sets the default User-Agent header.
func WithUserAgent(ua string) ClientOption { return func(cl *Client) { cl.userAgent = ua } }

// WithThrowOnError makes Send reject with [eventloop.HttpStatusError] for
// non-2xx responses instead of resolving with the Response, unless
// overridden per-request via Builder.ThrowOnError.
func WithThrowOnError(b bool) ClientOption { return func(cl *Client) { cl.throwOnError = b } }

// WithProtocolPreference stores a protocol version preference on the Client.
// The stored value is not read when requests are sent: the transport
// negotiates the protocol the same way for every preference.
func WithProtocolPreference(p ProtocolPreference) ClientOption {
	return func(cl *Client) { cl.protocol = p }
}

// WithDefaultCacheTTL sets the TTL applied to cached GET responses when a
// Builder does not call Cache(ttl) explicitly.
func WithDefaultCacheTTL(ttl time.Duration) ClientOption {
	return func(cl *Client) { cl.cacheTTL = ttl }
}

// NewClient constructs a Client bound to loop. Caching is enabled only once
// a request opts in via Builder.Cache; the default in-memory Cache is
// created here, up front.
//
// NewClient returns an error if any option rejects its configuration (e.g.
// WithRetry with an invalid RetryConfig), so a misconfigured client never
// reaches the point of sending a request.
func NewClient(loop *eventloop.Loop, opts ...ClientOption) (*Client, error) {
	c := &Client{
		loop: loop,
		transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		followRedirects: true,
		timeout:         30 * time.Second,
		cacheTTL:        60 * time.Second,
		cache:           NewMemoryCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.optErr != nil {
		return nil, c.optErr
	}
	return c, nil
}

func (c *Client) cacheOrDefault() Cache {
	return c.cache
}

// doer builds the *http.Client + retry wrapping used for one Builder.Send
// call, honoring followRedirects. The protocol preference is not applied:
// every request uses the shared transport's default negotiation.
func (c *Client) doer(followRedirects bool, timeout time.Duration) retryableDoer {
	base := &http.Client{
		Transport: c.transport,
		Timeout:   timeout,
	}
	if !followRedirects {
		base.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return newRetryableClient(c.retry, base)
}

// Builder is a fluent, per-operation request description (spec.md §4.5):
// method, url, headers, body (raw/json/form/multipart), timeout,
// follow-redirects, user-agent, auth, protocol preference, cache, and
// streaming/download destination.
type Builder struct {
	client *Client

	method  string
	rawURL  string
	query   url.Values
	headers http.Header

	bodyBytes   []byte
	contentType string

	auth Auth

	timeout         time.Duration
	hasTimeout      bool
	followRedirects bool
	hasFollow       bool
	userAgent       string
	throwOnError    bool
	hasThrowOnError bool

	cacheEnabled bool
	cacheTTL     time.Duration

	buildErr error
}

// NewRequest starts a Builder for method and rawURL.
func (c *Client) NewRequest(method, rawURL string) *Builder {
	return &Builder{
		client:  c,
		method:  method,
		rawURL:  rawURL,
		query:   url.Values{},
		headers: http.Header{},
	}
}

// Get starts a GET Builder.
func (c *Client) Get(rawURL string) *Builder { return c.NewRequest(http.MethodGet, rawURL) }

// Post starts a POST Builder.
func (c *Client) Post(rawURL string) *Builder { return c.NewRequest(http.MethodPost, rawURL) }

// Put starts a PUT Builder.
func (c *Client) Put(rawURL string) *Builder { return c.NewRequest(http.MethodPut, rawURL) }

// Delete starts a DELETE Builder.
func (c *Client) Delete(rawURL string) *Builder { return c.NewRequest(http.MethodDelete, rawURL) }

// Header sets a request header, replacing any existing values.
func (b *Builder) Header(key, value string) *Builder {
	b.headers.Set(key, value)
	return b
}

// AddHeader appends a request header value.
func (b *Builder) AddHeader(key, value string) *Builder {
	b.headers.Add(key, value)
	return b
}

// Query adds a single query-string parameter.
func (b *Builder) Query(key, value string) *Builder {
	b.query.Add(key, value)
	return b
}

// QueryStruct encodes v as query-string parameters using struct `url` tags,
// grounded on nabbar-golib/httpcli's AddParams combined with the pack's
// google/go-querystring dependency.
func (b *Builder) QueryStruct(v any) *Builder {
	values, err := query.Values(v)
	if err != nil {
		b.buildErr = err
		return b
	}
	for k, vs := range values {
		for _, v := range vs {
			b.query.Add(k, v)
		}
	}
	return b
}

// JSON sets the request body to the JSON encoding of v and sets
// Content-Type: application/json.
func (b *Builder) JSON(v any) *Builder {
	data, err := json.Marshal(v)
	if err != nil {
		b.buildErr = err
		return b
	}
	b.bodyBytes = data
	b.contentType = "application/json; charset=utf-8"
	return b
}

// Form sets the request body to a form-urlencoded encoding of values.
func (b *Builder) Form(values url.Values) *Builder {
	b.bodyBytes = []byte(values.Encode())
	b.contentType = "application/x-www-form-urlencoded"
	return b
}

// Raw sets the request body verbatim with an explicit Content-Type.
func (b *Builder) Raw(contentType string, body []byte) *Builder {
	b.bodyBytes = body
	b.contentType = contentType
	return b
}

// Multipart builds a multipart/form-data body from fields and files (a map
// of field name to local file path).
func (b *Builder) Multipart(fields map[string]string, files map[string]string) *Builder {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			b.buildErr = err
			return b
		}
	}
	for field, path := range files {
		f, err := os.Open(path)
		if err != nil {
			b.buildErr = err
			return b
		}
		part, err := w.CreateFormFile(field, filepathBase(path))
		if err != nil {
			_ = f.Close()
			b.buildErr = err
			return b
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = f.Close()
			b.buildErr = err
			return b
		}
		_ = f.Close()
	}
	if err := w.Close(); err != nil {
		b.buildErr = err
		return b
	}

	b.bodyBytes = buf.Bytes()
	b.contentType = w.FormDataContentType()
	return b
}

func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

// Bearer sets an Authorization: Bearer header.
func (b *Builder) Bearer(token string) *Builder {
	b.auth = Auth{Bearer: token}
	return b
}

// Basic sets HTTP Basic authentication.
func (b *Builder) Basic(user, pass string) *Builder {
	b.auth = Auth{Basic: true, User: user, Pass: pass}
	return b
}

// Timeout overrides the Client's default request timeout.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.timeout, b.hasTimeout = d, true
	return b
}

// FollowRedirects overrides the Client's default redirect-following
// behavior.
func (b *Builder) FollowRedirects(follow bool) *Builder {
	b.followRedirects, b.hasFollow = follow, true
	return b
}

// UserAgent overrides the Client's default User-Agent header.
func (b *Builder) UserAgent(ua string) *Builder {
	b.userAgent = ua
	return b
}

// ThrowOnError overrides the Client's default throw-on-status-error
// behavior for this request.
func (b *Builder) ThrowOnError(throw bool) *Builder {
	b.throwOnError, b.hasThrowOnError = throw, true
	return b
}

// Cache opts this (GET-only; spec.md §4.5) request into response caching
// with the given TTL.
func (b *Builder) Cache(ttl time.Duration) *Builder {
	b.cacheEnabled = true
	b.cacheTTL = ttl
	return b
}

func (b *Builder) effectiveTimeout() time.Duration {
	if b.hasTimeout {
		return b.timeout
	}
	return b.client.timeout
}

func (b *Builder) effectiveFollowRedirects() bool {
	if b.hasFollow {
		return b.followRedirects
	}
	return b.client.followRedirects
}

func (b *Builder) effectiveThrowOnError() bool {
	if b.hasThrowOnError {
		return b.throwOnError
	}
	return b.client.throwOnError
}

func (b *Builder) effectiveUserAgent() string {
	if b.userAgent != "" {
		return b.userAgent
	}
	return b.client.userAgent
}

func (b *Builder) effectiveCacheTTL() time.Duration {
	if b.cacheTTL > 0 {
		return b.cacheTTL
	}
	return b.client.cacheTTL
}

func (b *Builder) buildURL() (string, error) {
	u, err := url.Parse(b.rawURL)
	if err != nil {
		return "", err
	}
	if len(b.query) > 0 {
		q := u.Query()
		for k, vs := range b.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (b *Builder) build(ctx context.Context) (*http.Request, error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}

	finalURL, err := b.buildURL()
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if b.bodyBytes != nil {
		bodyReader = bytes.NewReader(b.bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, b.method, finalURL, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, vs := range b.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if b.contentType != "" {
		req.Header.Set("Content-Type", b.contentType)
	}
	if ua := b.effectiveUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	switch {
	case b.auth.Bearer != "":
		req.Header.Set("Authorization", "Bearer "+b.auth.Bearer)
	case b.auth.Basic:
		req.SetBasicAuth(b.auth.User, b.auth.Pass)
	}

	return req, nil
}

func (b *Builder) applyCookies(req *http.Request) {
	jar := b.client.jar
	if jar == nil {
		return
	}
	secure := req.URL.Scheme == "https"
	jarHeader := jar.GetCookieHeader(req.URL.Hostname(), req.URL.Path, secure)
	if jarHeader == "" {
		return
	}
	if existing := req.Header.Get("Cookie"); existing != "" {
		req.Header.Set("Cookie", existing+"; "+jarHeader)
	} else {
		req.Header.Set("Cookie", jarHeader)
	}
}

func (b *Builder) absorbCookies(req *http.Request, resp *Response) {
	jar := b.client.jar
	if jar == nil {
		return
	}
	for _, raw := range resp.Header.Values("Set-Cookie") {
		c, ok := parseSetCookie(raw)
		if !ok {
			continue // malformed: dropped per spec.md §4.5
		}
		if c.Domain == "" {
			c.Domain = req.URL.Hostname()
		}
		jar.SetCookie(c)
	}
}

// Send builds and dispatches the request, returning a cancellable
// [eventloop.Promise] resolving to a [Response].
//
// GET requests with Cache enabled check the cache before sending and, on a
// miss, populate it after a 2xx response (spec.md I5/I6). Non-2xx
// responses resolve normally unless ThrowOnError (or the Client default) is
// set, in which case they reject with [eventloop.HttpStatusError].
func (b *Builder) Send(ctx context.Context) *eventloop.Promise {
	req, err := b.build(ctx)
	if err != nil {
		p, _, reject := eventloop.NewPromise(b.client.loop)
		reject(err)
		return p
	}

	var cacheKey string
	if b.cacheEnabled && req.Method == http.MethodGet {
		cacheKey = CacheKey(req.URL.String())
		if cached, ok, _ := b.client.cacheOrDefault().Get(ctx, cacheKey); ok {
			p, resolve, _ := eventloop.NewPromise(b.client.loop)
			resolve(&Response{StatusCode: cached.Status, Header: cached.Header, Body: cached.Body, Cached: true})
			return p
		}
	}

	b.applyCookies(req)

	reqCtx, cancel := context.WithCancel(ctx)
	doer := b.client.doer(b.effectiveFollowRedirects(), b.effectiveTimeout())
	transferred := newPump(b.client.loop, doer, b.client.retry).send(reqCtx, req)

	result, resolve, reject := eventloop.NewPromise(b.client.loop)
	result.SetCancelHandler(cancel)

	transferred.Then(
		func(v eventloop.Result) eventloop.Result {
			resp := v.(*Response)
			b.absorbCookies(req, resp)

			if cacheKey != "" && resp.IsSuccess() {
				_ = b.client.cacheOrDefault().Set(ctx, cacheKey, CachedResponse{
					Body:   resp.Body,
					Status: resp.StatusCode,
					Header: resp.Header,
				}, b.effectiveCacheTTL())
			}

			if b.effectiveThrowOnError() && !resp.IsSuccess() {
				reject(&eventloop.HttpStatusError{
					StatusCode: resp.StatusCode,
					Message:    fmt.Sprintf("http status error: %d", resp.StatusCode),
				})
				return nil
			}
			resolve(resp)
			return nil
		},
		func(r eventloop.Result) eventloop.Result {
			reject(r)
			return nil
		},
	)

	return result
}
