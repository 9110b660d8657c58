package httpclient

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Cookie aliases the field layout of spec.md §3 exactly, rather than
// net/http.Cookie, which lacks a stable JSON tag set for file persistence
// and represents SameSite as an int enum instead of the string the file
// format stores.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path"`
	Expires  *time.Time `json:"expires,omitempty"`
	MaxAge   *int       `json:"max_age,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
	SameSite string     `json:"same_site,omitempty"`
}

// isSession reports whether c has neither Expires nor MaxAge set, matching
// the file cookie jar's definition of a session cookie.
func (c Cookie) isSession() bool {
	return c.Expires == nil && c.MaxAge == nil
}

// expired reports whether c has passed its expiry at t, per spec.md §4.5.
func (c Cookie) expired(t time.Time) bool {
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		return true
	}
	if c.Expires != nil && t.After(*c.Expires) {
		return true
	}
	return false
}

func (c Cookie) matchesDomain(domain string) bool {
	if c.Domain == "" {
		return true
	}
	if strings.HasPrefix(c.Domain, ".") {
		suffix := c.Domain
		return domain == suffix[1:] || strings.HasSuffix(domain, suffix)
	}
	return domain == c.Domain
}

func (c Cookie) matchesPath(path string) bool {
	cp := c.Path
	if cp == "" {
		cp = "/"
	}
	if path == cp {
		return true
	}
	if !strings.HasPrefix(path, cp) {
		return false
	}
	if strings.HasSuffix(cp, "/") {
		return true
	}
	return strings.HasPrefix(path[len(cp):], "/")
}

type cookieKey struct {
	name, domain, path string
}

// Jar is the cookie state machine described by spec.md §4.5.
type Jar interface {
	SetCookie(c Cookie)
	GetCookies(domain, path string, isSecure bool) []Cookie
	GetCookieHeader(domain, path string, isSecure bool) string
	ClearExpired()
	Clear()
}

// memoryJar is the in-memory Jar implementation; File-backed persistence is
// layered on top by [fileJar].
type memoryJar struct {
	mu      sync.Mutex
	cookies map[cookieKey]Cookie
	onWrite func()
}

// NewJar returns an in-memory [Jar].
func NewJar() Jar {
	return &memoryJar{cookies: make(map[cookieKey]Cookie)}
}

// SetCookie stores c, de-duplicating on (name, domain, path): last write
// wins (I12).
func (j *memoryJar) SetCookie(c Cookie) {
	key := cookieKey{name: c.Name, domain: c.Domain, path: c.Path}
	j.mu.Lock()
	j.cookies[key] = c
	onWrite := j.onWrite
	j.mu.Unlock()
	if onWrite != nil {
		onWrite()
	}
}

func (j *memoryJar) GetCookies(domain, path string, isSecure bool) []Cookie {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Cookie
	for _, c := range j.cookies {
		if c.expired(now) {
			continue
		}
		if c.Secure && !isSecure {
			continue
		}
		if !c.matchesDomain(domain) || !c.matchesPath(path) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (j *memoryJar) GetCookieHeader(domain, path string, isSecure bool) string {
	cookies := j.GetCookies(domain, path, isSecure)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (j *memoryJar) ClearExpired() {
	now := time.Now()
	j.mu.Lock()
	for k, c := range j.cookies {
		if c.expired(now) {
			delete(j.cookies, k)
		}
	}
	onWrite := j.onWrite
	j.mu.Unlock()
	if onWrite != nil {
		onWrite()
	}
}

func (j *memoryJar) Clear() {
	j.mu.Lock()
	j.cookies = make(map[cookieKey]Cookie)
	onWrite := j.onWrite
	j.mu.Unlock()
	if onWrite != nil {
		onWrite()
	}
}

func (j *memoryJar) snapshot() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		out = append(out, c)
	}
	return out
}

// fileJar wraps a memoryJar and atomically persists its contents to disk on
// every mutation. Session cookies (no Expires and no MaxAge) are written
// only when includeSession is set.
type fileJar struct {
	*memoryJar
	path           string
	includeSession bool
}

// NewFileJar returns a [Jar] that atomically persists to path as a JSON
// array of [Cookie] values on every mutation, matching spec.md §6's "file
// cookie jar" persistence format. If path already exists, it is loaded
// immediately; malformed entries (and a file that is not valid JSON) are
// dropped rather than failing construction. The drop is silent: no warning
// is logged or returned.
func NewFileJar(path string, includeSession bool) (Jar, error) {
	fj := &fileJar{
		memoryJar:      &memoryJar{cookies: make(map[cookieKey]Cookie)},
		path:           path,
		includeSession: includeSession,
	}
	fj.memoryJar.onWrite = fj.persist

	if data, err := os.ReadFile(path); err == nil {
		fj.load(data)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return fj, nil
}

func (fj *fileJar) load(data []byte) {
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		// Malformed file: start from an empty jar rather than failing
		// construction, per spec.md §6.
		return
	}
	for _, c := range cookies {
		if c.Name == "" {
			continue // drop malformed entry
		}
		fj.memoryJar.cookies[cookieKey{name: c.Name, domain: c.Domain, path: c.Path}] = c
	}
}

func (fj *fileJar) persist() {
	cookies := fj.memoryJar.snapshot()
	var out []Cookie
	for _, c := range cookies {
		if c.isSession() && !fj.includeSession {
			continue
		}
		out = append(out, c)
	}
	if out == nil {
		out = []Cookie{}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(fj.path)
	tmp, err := os.CreateTemp(dir, ".cookiejar-*.tmp")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return
	}
	_ = os.Rename(tmpName, fj.path)
}

// parseSetCookie parses a single Set-Cookie header value leniently,
// dropping malformed entries, by delegating the attribute grammar to
// net/http rather than reimplementing RFC 6265.
func parseSetCookie(raw string) (Cookie, bool) {
	resp := http.Response{Header: http.Header{"Set-Cookie": []string{raw}}}
	parsed := resp.Cookies()
	if len(parsed) == 0 {
		return Cookie{}, false
	}
	hc := parsed[0]

	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	if !hc.Expires.IsZero() {
		exp := hc.Expires
		c.Expires = &exp
	}
	if hc.MaxAge != 0 {
		ma := hc.MaxAge
		c.MaxAge = &ma
	}
	switch hc.SameSite {
	case http.SameSiteLaxMode:
		c.SameSite = "Lax"
	case http.SameSiteStrictMode:
		c.SameSite = "Strict"
	case http.SameSiteNoneMode:
		c.SameSite = "None"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c, true
}
