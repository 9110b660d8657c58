package httpclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// TestDownload_WritesBodyToDestination is the happy path: Download streams
// the full response body to dest and resolves with its size.
func TestDownload_WritesBodyToDestination(t *testing.T) {
	want := bytes.Repeat([]byte("ab"), 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(want)
	}))
	defer srv.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	client, err := NewClient(loop)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	dest := filepath.Join(t.TempDir(), "nested", "download.bin")

	op := func() *eventloop.Promise {
		return client.Get(srv.URL).Download(context.Background(), dest)
	}

	v, err := eventloop.Run(loop, eventloop.Thunk(op))
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	result, ok := v.(*DownloadResult)
	if !ok {
		t.Fatalf("Download() resolved to %T, want *DownloadResult", v)
	}
	if result.Size != int64(len(want)) {
		t.Fatalf("result.Size = %d, want %d", result.Size, len(want))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("downloaded file contents mismatch")
	}
}

// TestDownload_CancelMidFlightLeavesNoPartialFile exercises S6: cancelling a
// Download while the body is still streaming rejects with a
// [eventloop.CancellationError] and leaves no partial file on disk.
func TestDownload_CancelMidFlightLeavesNoPartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("x"), 64*1024)
		for i := 0; i < 40; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	client, err := NewClient(loop)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	dest := filepath.Join(t.TempDir(), "download.bin")

	op := func() *eventloop.Promise {
		p := client.Get(srv.URL).Download(context.Background(), dest)
		go func() {
			time.Sleep(50 * time.Millisecond)
			p.Cancel()
		}()
		return p
	}

	_, err = eventloop.Run(loop, eventloop.Thunk(op))
	if err == nil {
		t.Fatal("Download() error = nil, want a CancellationError from cancelling mid-transfer")
	}
	var cancelErr *eventloop.CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("error = %v (%T), want *eventloop.CancellationError", err, err)
	}

	// Promise.Cancel rejects synchronously, but the streaming goroutine's
	// cleanup (removing the partial file) happens asynchronously; poll
	// briefly instead of asserting immediately.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, statErr := os.Stat(dest); os.IsNotExist(statErr) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("partial download file still present at %s after cancellation", dest)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
