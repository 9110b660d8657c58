package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// pump is the "transfer pump" of spec.md §4.5: it owns the underlying
// retryablehttp.Client (standing in for the native multi-request handle)
// and advances each request's round trip on a loop-owned goroutine, per
// [eventloop.Loop.Promisify] — the same goroutine/SubmitInternal bridge the
// teacher's own coroutine manager is built on (eventloop/promisify.go),
// applied here to net/http instead of arbitrary user functions.
//
// Unlike a real libcurl multi-handle, net/http performs its own blocking
// I/O per request; the pump still satisfies spec.md's contract ("completion
// triggers a next-tick invocation of the caller's callback") because
// Promisify always settles the returned promise via SubmitInternal, which
// schedules the promise's handlers as a microtask exactly like the multi-
// handle poll path would.
type pump struct {
	loop   *eventloop.Loop
	client retryableDoer
	retry  RetryConfig
}

// retryableDoer is satisfied by *retryablehttp.Client; narrowed to ease
// testing with a fake transport.
type retryableDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newPump(loop *eventloop.Loop, client retryableDoer, retry RetryConfig) *pump {
	return &pump{loop: loop, client: client, retry: retry}
}

// send performs req (already fully built, including any retry wrapping the
// caller configured) on a Promisify'd goroutine and resolves with a
// [Response] carrying the fully-buffered body.
//
// retryablehttp retries a retryable status code the same way it retries a
// transport error, but a status-code retry that's still exhausted at
// RetryMax comes back as an ordinary (non-error) *http.Response — it is the
// pump's job to recognize that case and turn it into the same
// "failed after N attempts" rejection that a terminal transport error
// produces via classifyAttemptsExhausted.
func (p *pump) send(ctx context.Context, req *http.Request) *eventloop.Promise {
	promise := p.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		httpResp, err := p.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, p.classifyAttemptsExhausted(err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, &eventloop.HttpTransportError{Message: "reading response body", Cause: err}
		}

		if _, retryable := p.retry.RetryableStatusCodes[httpResp.StatusCode]; retryable {
			return nil, errAttemptsExhausted(p.retry.MaxRetries+1, fmt.Errorf("http status %d", httpResp.StatusCode))
		}

		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       body,
		}, nil
	})
	return promise
}

// classifyAttemptsExhausted wraps a terminal Do() error: retryablehttp
// itself already retried it up to RetryMax times when classifyTransportError
// said it was retryable, so a transport error reaching here means every
// attempt failed.
func (p *pump) classifyAttemptsExhausted(err error) error {
	if p.retry.MaxRetries > 0 {
		return errAttemptsExhausted(p.retry.MaxRetries+1, err)
	}
	return classifyDoError(err)
}

// classifyDoError wraps a terminal (post-retry) transport failure as an
// HttpTransportError so callers can distinguish it from application-level
// HttpStatusError via errors.As.
func classifyDoError(err error) error {
	if err == nil {
		return nil
	}
	return &eventloop.HttpTransportError{Message: err.Error(), Cause: err}
}
