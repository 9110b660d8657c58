package httpclient

import (
	"crypto/sha1" //nolint:gosec // fingerprint, not a security boundary
	"encoding/hex"
	"net/http"
	"sort"
)

// CacheKey resolves Open Question Q3 (spec.md §9): the cache key is an
// opaque, stable function of the URL, exposed here so callers can
// invalidate a cached entry without re-deriving the hash scheme themselves.
func CacheKey(url string) string {
	sum := sha1.Sum([]byte(url)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// fingerprint computes the in-flight request identity described by
// spec.md §3: method + url + normalized headers + body. It is not used for
// cache keys (the GET cache uses CacheKey of the URL) nor for request
// deduplication; nothing in the package calls it.
func fingerprint(method, url string, headers http.Header, body []byte) string {
	h := sha1.New() //nolint:gosec
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(url))
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		for _, v := range headers[k] {
			_, _ = h.Write([]byte(v))
			_, _ = h.Write([]byte{';'})
		}
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)

	return hex.EncodeToString(h.Sum(nil))
}
