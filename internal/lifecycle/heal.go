package lifecycle

import "context"

// healResult is the outcome of an attempt that may be remedied once.
// err is always the first attempt's error: callers learn that the
// operation failed as asked even when recovery succeeded afterwards.
type healResult struct {
	err       error
	remedied  bool
	retryErr  error
	remedyErr error
}

func (r healResult) recovered() bool {
	return r.remedied && r.remedyErr == nil && r.retryErr == nil
}

// attemptWithRemedy runs attempt. When it fails with an error that
// applies accepts, remedy runs and attempt is retried exactly once.
func attemptWithRemedy(ctx context.Context, attempt func(context.Context) error, applies func(error) bool, remedy func(context.Context) error) healResult {
	err := attempt(ctx)
	if err == nil || !applies(err) {
		return healResult{err: err}
	}

	res := healResult{err: err, remedied: true}
	if res.remedyErr = remedy(ctx); res.remedyErr != nil {
		return res
	}
	res.retryErr = attempt(ctx)
	return res
}
