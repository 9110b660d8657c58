package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// TestRetry_NonRetryableStatusResolvesWithoutRetrying exercises I7: a 404
// response is not in RetryableStatusCodes, so the request resolves normally
// on the first attempt with no retries.
func TestRetry_NonRetryableStatusResolvesWithoutRetrying(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 3
	cfg.RetryableStatusCodes = map[int]struct{}{http.StatusServiceUnavailable: {}}
	client, err := NewClient(loop, WithRetry(cfg))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	op := func() *eventloop.Promise {
		return client.Get(srv.URL).Send(context.Background())
	}

	v, err := eventloop.Run(loop, eventloop.Thunk(op))
	if err != nil {
		t.Fatalf("Send() error = %v, want a resolved 404 response", err)
	}
	resp, ok := v.(*Response)
	if !ok {
		t.Fatalf("Send() resolved to %T, want *Response", v)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("origin server hit %d times, want 1 (no retries for a non-retryable status)", hits)
	}
}

// TestRetry_ExhaustedStatusRetriesRejectsAfterAttempts exercises I8/S3: a
// permanently-503 endpoint, with RetryableStatusCodes containing 503,
// retries MaxRetries times and then rejects with a "failed after N
// attempts" error, having spent at least the backoff schedule's lower
// bound in wall-clock time.
func TestRetry_ExhaustedStatusRetriesRejectsAfterAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	cfg := RetryConfig{
		MaxRetries:           2,
		BaseDelay:            200 * time.Millisecond,
		MaxDelay:             2 * time.Second,
		BackoffMultiplier:    2.0,
		RetryableStatusCodes: map[int]struct{}{http.StatusServiceUnavailable: {}},
	}
	client, err := NewClient(loop, WithRetry(cfg))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	op := func() *eventloop.Promise {
		return client.Get(srv.URL).Send(context.Background())
	}

	start := time.Now()
	_, err = eventloop.Run(loop, eventloop.Thunk(op))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Send() error = nil, want a rejection after retries are exhausted")
	}
	if !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Fatalf("error = %q, want it to contain %q", err.Error(), "failed after 3 attempts")
	}
	if elapsed < 600*time.Millisecond {
		t.Fatalf("elapsed = %s, want >= 600ms (two backoff waits of >=200ms and >=400ms)", elapsed)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("origin server hit %d times, want 3 (1 initial + 2 retries)", hits)
	}
}

// TestNewClient_InvalidRetryConfigRejectsWithoutDialing verifies WithRetry's
// RetryConfig is validated eagerly: a config that fails its struct tags
// (here, MaxDelay below BaseDelay) fails NewClient, never reaching a Send
// call.
func TestNewClient_InvalidRetryConfigRejectsWithoutDialing(t *testing.T) {
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	cfg := RetryConfig{
		MaxRetries:        1,
		BaseDelay:         time.Second,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	if _, err := NewClient(loop, WithRetry(cfg)); err == nil {
		t.Fatal("NewClient() error = nil, want a validation error for MaxDelay < BaseDelay")
	}
}
