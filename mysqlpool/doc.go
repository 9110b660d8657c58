// Package mysqlpool implements the connection pool sitting in front of
// package mysql: an idle stack, a FIFO waiter queue for callers racing
// ahead of available capacity, min/max sizing, and a loop-scheduled reaper
// that evicts idle and over-age connections. Every operation returns a
// promise and is safe to call only from the owning *eventloop.Loop's
// goroutine or via Loop.SubmitInternal, matching the rest of this module.
package mysqlpool
