// Package httpclient implements the multiplexed, non-blocking HTTP client
// layer described by the runtime: a fluent request builder, a transfer pump
// that bridges net/http round trips onto an *eventloop.Loop as promises, a
// retry engine built on hashicorp/go-retryablehttp, GET response caching
// keyed by a SHA-1 of the request URL, a cookie jar state machine, and cancellable
// streaming/download operations.
//
// Every operation returns an *eventloop.Promise; callers drive it with
// eventloop.Run, eventloop.Await inside a coroutine, or Promise.ToChannel.
package httpclient
