package httpclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// Stream performs the request and invokes onChunk as body bytes arrive,
// resolving to a [StreamingResponse] once the body is exhausted. Unlike
// Send, the body is never buffered in full: each chunk is handed to
// onChunk and discarded. Cancelling the returned promise (or its parent
// ctx) aborts the in-flight read.
func (b *Builder) Stream(ctx context.Context, onChunk func(chunk []byte) error) *eventloop.Promise {
	req, err := b.build(ctx)
	if err != nil {
		p, _, reject := eventloop.NewPromise(b.client.loop)
		reject(err)
		return p
	}
	b.applyCookies(req)

	reqCtx, cancel := context.WithCancel(ctx)
	doer := b.client.doer(b.effectiveFollowRedirects(), b.effectiveTimeout())

	promise := b.client.loop.Promisify(reqCtx, func(ctx context.Context) (any, error) {
		httpResp, err := doer.Do(req.WithContext(ctx))
		if err != nil {
			return nil, classifyDoError(err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		total, err := copyChunks(ctx, httpResp.Body, onChunk)
		if err != nil {
			return nil, err
		}

		b.absorbCookies(req, &Response{Header: httpResp.Header})

		return &StreamingResponse{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			BytesRead:  total,
		}, nil
	})
	promise.SetCancelHandler(cancel)
	return promise
}

// copyChunks reads src in fixed-size chunks, invoking onChunk for each and
// checking ctx between reads so a cancellation is observed promptly even
// mid-body.
func copyChunks(ctx context.Context, src io.Reader, onChunk func([]byte) error) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if cbErr := onChunk(buf[:n]); cbErr != nil {
				return total, cbErr
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, &eventloop.HttpTransportError{Message: "reading response body stream", Cause: readErr}
		}
	}
}

// Download performs the request and streams the body directly to dest,
// creating parent directories as needed. On cancellation or any failure
// after the destination file was created, the partial file is removed
// (S6) and the promise rejects with [eventloop.CancellationError] (on
// cancellation) or the underlying transport/IO error.
func (b *Builder) Download(ctx context.Context, dest string) *eventloop.Promise {
	req, err := b.build(ctx)
	if err != nil {
		p, _, reject := eventloop.NewPromise(b.client.loop)
		reject(err)
		return p
	}
	b.applyCookies(req)

	reqCtx, cancel := context.WithCancel(ctx)
	doer := b.client.doer(b.effectiveFollowRedirects(), b.effectiveTimeout())

	promise := b.client.loop.Promisify(reqCtx, func(ctx context.Context) (any, error) {
		if dir := filepath.Dir(dest); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &eventloop.ProtocolError{Message: "creating download directory", Cause: err}
			}
		}

		httpResp, err := doer.Do(req.WithContext(ctx))
		if err != nil {
			return nil, classifyDoError(err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		if !isSuccessStatus(httpResp.StatusCode) && b.effectiveThrowOnError() {
			return nil, &eventloop.HttpStatusError{
				StatusCode: httpResp.StatusCode,
				Message:    fmt.Sprintf("http status error: %d", httpResp.StatusCode),
			}
		}

		out, err := os.Create(dest)
		if err != nil {
			return nil, &eventloop.ProtocolError{Message: "creating download destination", Cause: err}
		}

		size, copyErr := copyWithCancel(ctx, out, httpResp.Body)
		closeErr := out.Close()

		if copyErr != nil || (closeErr != nil && ctx.Err() == nil) {
			_ = os.Remove(dest)
			if copyErr != nil {
				return nil, copyErr
			}
			return nil, &eventloop.ProtocolError{Message: "closing download destination", Cause: closeErr}
		}

		b.absorbCookies(req, &Response{Header: httpResp.Header})

		return &DownloadResult{
			File:       dest,
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Size:       size,
		}, nil
	})
	promise.SetCancelHandler(cancel)
	return promise
}

func isSuccessStatus(code int) bool { return code >= 200 && code < 300 }

// copyWithCancel behaves like io.Copy but checks ctx between chunks so a
// cancellation interrupts a large transfer instead of running to
// completion.
func copyWithCancel(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, &eventloop.ProtocolError{Message: "writing download chunk", Cause: writeErr}
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, &eventloop.HttpTransportError{Message: "reading download body", Cause: readErr}
		}
	}
}
