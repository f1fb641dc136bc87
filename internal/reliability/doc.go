// Package reliability provides the backoff policies and the retry loop
// behind automatic reconnection.
//
// A Backoff grows its delay by one of three strategies: fixed, linear or
// exponential. It bounds the number of retries unless MaxAttempts is
// Unlimited, and stops early on an error marked with Permanent.
//
//	policy := NewExponential(time.Second, 30*time.Second, 2, Unlimited)
//
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return dial(ctx)
//	})
package reliability
