// Package retry turns attempt counts and backoff into explicit, configurable policies.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds how often an operation is attempted and how long to wait between tries.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Once runs an operation a single time.
var Once = Policy{MaxAttempts: 1}

// Do runs fn until it succeeds, returns an error not marked with Retryable, or
// the policy is exhausted. On exhaustion the last retryable error is returned
// unwrapped. attempt starts at 1.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Nanosecond
	}

	attempt := 0
	b := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewConstant(backoff))
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		return fn(ctx, attempt)
	})
}

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	return goretry.RetryableError(err)
}
