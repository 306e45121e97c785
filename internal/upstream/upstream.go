// Package upstream runs calls to generation collaborators with a bounded
// number of retries.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pavelanni/roleplay/internal/model"
)

// Policy bounds retries of a failing collaborator call.
type Policy struct {
	Retries int           // extra attempts after the first
	Delay   time.Duration // constant pause between attempts
}

// Do calls fn until it succeeds or the policy is exhausted. The final
// failure is wrapped with model.ErrUpstreamGeneration. Context
// cancellation stops retrying and is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(retries))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		return fn(ctx)
	}, b, func(err error, wait time.Duration) {
		slog.Warn("upstream call failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("%s after %d attempt(s): %w: %v", op, attempt, model.ErrUpstreamGeneration, err)
	}
	return res, nil
}
