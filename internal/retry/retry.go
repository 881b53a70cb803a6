// Package retry provides the bounded convergence-wait primitive used by
// postconditions and membership commands. A wait is max attempts times a
// constant delay; exhausting the budget yields ErrNotConverged rather than
// blocking indefinitely.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrNotConverged reports that the condition did not hold within the retry
// budget. Callers must treat it as a hard test failure.
var ErrNotConverged = errors.New("condition not converged within retry budget")

var errPending = errors.New("condition pending")

// Policy is a fixed retry budget.
type Policy struct {
	MaxAttempts uint
	Delay       time.Duration
}

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

// Until polls cond every p.Delay until it holds, the budget is exhausted, or
// ctx is done. Budget exhaustion returns ErrNotConverged.
func (p Policy) Until(ctx context.Context, cond Condition) error {
	operation := func() (struct{}, error) {
		ok, err := cond(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errPending
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(p.MaxAttempts),
	)
	if err != nil {
		if errors.Is(err, errPending) {
			return fmt.Errorf("%w after %d attempts", ErrNotConverged, p.MaxAttempts)
		}
		return err
	}
	return nil
}

// Converged is a convenience wrapper that maps the Until result onto a
// boolean, keeping only unexpected errors.
func (p Policy) Converged(ctx context.Context, cond Condition) (bool, error) {
	err := p.Until(ctx, cond)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotConverged) {
		return false, nil
	}
	return false, err
}
