package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

var validate = validator.New()

// RetryConfig mirrors spec.md §3's RetryConfig tuple.
type RetryConfig struct {
	MaxRetries           int `validate:"gte=0"`
	BaseDelay            time.Duration `validate:"gt=0"`
	MaxDelay             time.Duration `validate:"gtefield=BaseDelay"`
	BackoffMultiplier    float64       `validate:"gt=0"`
	Jitter               float64       `validate:"gte=0,lte=1"`
	RetryableStatusCodes map[int]struct{}
	// RetryableExceptions classifies a transport error as retryable. When
	// nil, classifyTransportError's default DNS/connect/TLS/refused/timeout
	// predicate is used.
	RetryableExceptions func(error) bool
}

// DefaultRetryConfig returns a RetryConfig with no retries enabled
// (MaxRetries: 0) and sane defaults for the remaining fields, so callers
// opting into retries only need to set MaxRetries and RetryableStatusCodes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Validate checks cfg's struct tags (mirroring mysql.Config.Validate's
// pattern for the same "fail construction, not first use" rule), returning
// an *eventloop.InvalidConfig on the first violation. A zero-MaxRetries
// config still validates the remaining fields, since [WithRetry] may be
// called with retries disabled but otherwise-sane defaults (see
// [DefaultRetryConfig]).
func (c RetryConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &eventloop.InvalidConfig{Message: "invalid retry config", Cause: err}
	}
	return nil
}

// classifyTransportError implements spec.md §4.5's retryable transport
// class: DNS failures, connect/SSL handshake/read/write timeouts,
// connection refused, and connection reset.
func classifyTransportError(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// retryDelay implements spec.md §4.5's backoff formula:
//
//	delay = min(max_delay, base_delay * multiplier^(attempt-1)) * (1 + rand(0, jitter))
//
// attemptNum is zero-based (0 is the delay before the first retry), so the
// exponent below is attemptNum, equivalent to multiplier^(attempt-1) for
// attempt = attemptNum+1.
func retryDelay(cfg RetryConfig, attemptNum int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attemptNum))
	if max := float64(cfg.MaxDelay); d > max {
		d = max
	}
	jitter := 1.0
	if cfg.Jitter > 0 {
		jitter += rand.Float64() * cfg.Jitter //nolint:gosec // timing jitter, not security-sensitive
	}
	return time.Duration(d * jitter)
}

// newRetryableClient wraps base in a retryablehttp.Client configured per
// cfg, so the retry loop, backoff schedule, and retryable-status/error
// classification all live in one well-tested library rather than a
// hand-rolled loop.
func newRetryableClient(cfg RetryConfig, base *http.Client) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.BaseDelay
	rc.RetryWaitMax = cfg.MaxDelay
	rc.Logger = nil

	predicate := cfg.RetryableExceptions
	if predicate == nil {
		predicate = classifyTransportError
	}

	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return predicate(err), nil
		}
		if resp != nil {
			if _, ok := cfg.RetryableStatusCodes[resp.StatusCode]; ok {
				return true, nil
			}
		}
		return false, nil
	}

	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return retryDelay(cfg, attemptNum)
	}

	return rc
}

// errAttemptsExhausted formats the "failed after N attempts" message
// required by spec.md §4.5/§9.
func errAttemptsExhausted(attempts int, cause error) error {
	return &eventloop.HttpTransportError{
		Message: fmt.Sprintf("failed after %d attempts: %v", attempts, cause),
		Cause:   cause,
	}
}
