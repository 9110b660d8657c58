package httpclient

import (
	"net/http"
	"time"
)

// Response is the settled value of a non-streaming request: the body has
// already been fully read into memory.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Cached is true when this Response was served from the cache without
	// sending a request.
	Cached bool
}

// IsSuccess reports whether StatusCode is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StreamingResponse is resolved by [Builder.Stream]: the body has already
// been drained through the caller's onChunk callback by the time the
// promise settles, so Stream itself carries no further readable body.
type StreamingResponse struct {
	StatusCode int
	Header     http.Header

	// BytesRead is the total number of body bytes delivered to onChunk.
	BytesRead int64
}

// DownloadResult is resolved by [Builder.Download].
type DownloadResult struct {
	File       string
	StatusCode int
	Header     http.Header
	Size       int64
}

// CachedResponse is the value stored in a [Cache] under [CacheKey] of the
// request URL.
type CachedResponse struct {
	Body      []byte
	Status    int
	Header    http.Header
	ExpiresAt time.Time
}

// Auth selects the authentication scheme a request is built with.
type Auth struct {
	Bearer string
	User   string
	Pass   string
	Basic  bool
}

// ProtocolPreference names an HTTP protocol version preference. It is
// stored by [WithProtocolPreference] but not applied when requests are
// sent: net/http negotiates the protocol (HTTP/2 over TLS when available,
// HTTP/1.1 otherwise) whichever value is set, and no fallback logic exists.
type ProtocolPreference int

const (
	// ProtocolAuto names net/http's own negotiation.
	ProtocolAuto ProtocolPreference = iota
	// ProtocolHTTP1 names HTTP/1.1; it does not force it.
	ProtocolHTTP1
	// ProtocolHTTP2 names HTTP/2; it does not force it.
	ProtocolHTTP2
)
