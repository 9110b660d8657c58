package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// trackingCache wraps memoryCache, counting Get/Set calls so tests can
// assert on cache interaction counts without depending on timing.
type trackingCache struct {
	inner    Cache
	mu       sync.Mutex
	gets     int
	sets     int
}

func newTrackingCache() *trackingCache {
	return &trackingCache{inner: NewMemoryCache()}
}

func (t *trackingCache) Get(ctx context.Context, key string) (CachedResponse, bool, error) {
	t.mu.Lock()
	t.gets++
	t.mu.Unlock()
	return t.inner.Get(ctx, key)
}

func (t *trackingCache) Set(ctx context.Context, key string, value CachedResponse, ttl time.Duration) error {
	t.mu.Lock()
	t.sets++
	t.mu.Unlock()
	return t.inner.Set(ctx, key, value, ttl)
}

func runOnLoop(t *testing.T, loop *eventloop.Loop, op func() *eventloop.Promise) (eventloop.Result, error) {
	t.Helper()
	return eventloop.Run(loop, eventloop.Thunk(op))
}

// TestCache_SingleSetMultipleGetsByteIdenticalBodies exercises I5/S2: two
// GETs of the same URL with caching enabled record exactly one Set, at
// least two Gets, and return byte-identical bodies, with the origin server
// hit only once.
func TestCache_SingleSetMultipleGetsByteIdenticalBodies(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	tracker := newTrackingCache()
	client, err := NewClient(loop, WithCache(tracker), WithDefaultCacheTTL(60*time.Second))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	op := func() *eventloop.Promise {
		result, resolve, reject := eventloop.NewPromise(loop)
		client.Get(srv.URL).Cache(60 * time.Second).Send(context.Background()).Then(func(v1 eventloop.Result) eventloop.Result {
			first := v1.(*Response)
			client.Get(srv.URL).Cache(60 * time.Second).Send(context.Background()).Then(func(v2 eventloop.Result) eventloop.Result {
				second := v2.(*Response)
				if !bytes.Equal(first.Body, second.Body) {
					reject(fmt.Errorf("bodies differ: %q vs %q", first.Body, second.Body))
					return nil
				}
				if !second.Cached {
					reject(fmt.Errorf("second response not served from cache"))
					return nil
				}
				resolve(nil)
				return nil
			}, func(r eventloop.Result) eventloop.Result {
				reject(r)
				return nil
			})
			return nil
		}, func(r eventloop.Result) eventloop.Result {
			reject(r)
			return nil
		})
		return result
	}

	if _, err := runOnLoop(t, loop, op); err != nil {
		t.Fatalf("cache sequence failed: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("origin server hit %d times, want 1", hits)
	}
	if tracker.sets != 1 {
		t.Fatalf("tracker.sets = %d, want 1", tracker.sets)
	}
	if tracker.gets < 2 {
		t.Fatalf("tracker.gets = %d, want >= 2", tracker.gets)
	}
}

// TestCache_POSTNeverTouchesCache exercises I6: a POST request with Cache
// opted in never reads or writes the cache, since response caching is
// GET-only by design.
func TestCache_POSTNeverTouchesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	defer srv.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	tracker := newTrackingCache()
	client, err := NewClient(loop, WithCache(tracker))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	op := func() *eventloop.Promise {
		return client.Post(srv.URL).Cache(60 * time.Second).Raw("application/json", []byte(`{}`)).Send(context.Background())
	}

	if _, err := runOnLoop(t, loop, op); err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if tracker.gets != 0 || tracker.sets != 0 {
		t.Fatalf("tracker gets/sets = %d/%d, want 0/0 for a POST", tracker.gets, tracker.sets)
	}
}
