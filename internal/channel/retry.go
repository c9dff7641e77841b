package channel

import (
	"context"
	"errors"
	"time"
)

// errRetryExhausted is returned by RetryPolicy.Do when every attempt came
// back unsatisfied.
var errRetryExhausted = errors.New("retry attempts exhausted")

// RetryPolicy bounds a polling loop. Attempts is the maximum number of
// checks; Interval is the fixed pause between two checks. Zero values take
// the defaults.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryPolicy polls 30 times at 2 second intervals.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 30, Interval: 2 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy().Attempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultRetryPolicy().Interval
	}
	return p
}

// Do calls check until it reports done, it returns an error, the attempts
// run out or ctx ends. check receives the zero-based attempt number.
func (p RetryPolicy) Do(ctx context.Context, check func(attempt int) (bool, error)) error {
	p = p.withDefaults()

	for attempt := 0; attempt < p.Attempts; attempt++ {
		done, err := check(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == p.Attempts-1 {
			break
		}

		// Sleep before the next attempt, but honour the context.
		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return errRetryExhausted
}
