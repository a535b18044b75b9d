package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errMissing = errors.New("missing")

func isMissing(err error) bool { return errors.Is(err, errMissing) }

func TestAttemptWithRemedySuccess(t *testing.T) {
	remedies := 0
	res := attemptWithRemedy(context.Background(),
		func(context.Context) error { return nil },
		isMissing,
		func(context.Context) error { remedies++; return nil },
	)
	if res.err != nil || res.remedied || remedies != 0 {
		t.Fatalf("unexpected result %+v (remedies=%d)", res, remedies)
	}
}

func TestAttemptWithRemedyRetriesOnce(t *testing.T) {
	attempts := 0
	res := attemptWithRemedy(context.Background(),
		func(context.Context) error {
			attempts++
			if attempts == 1 {
				return errMissing
			}
			return nil
		},
		isMissing,
		func(context.Context) error { return nil },
	)
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if !errors.Is(res.err, errMissing) {
		t.Fatalf("err = %v, want first failure", res.err)
	}
	if !res.recovered() {
		t.Fatalf("expected recovered result")
	}
}

func TestAttemptWithRemedyNotApplicable(t *testing.T) {
	boom := errors.New("boom")
	remedies := 0
	res := attemptWithRemedy(context.Background(),
		func(context.Context) error { return boom },
		isMissing,
		func(context.Context) error { remedies++; return nil },
	)
	if !errors.Is(res.err, boom) || res.remedied || remedies != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAttemptWithRemedyFailedRemedy(t *testing.T) {
	attempts := 0
	res := attemptWithRemedy(context.Background(),
		func(context.Context) error { attempts++; return errMissing },
		isMissing,
		func(context.Context) error { return errors.New("remedy failed") },
	)
	if attempts != 1 {
		t.Fatalf("attempt should not be retried after a failed remedy")
	}
	if res.recovered() || res.remedyErr == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOpLocksSerializePerID(t *testing.T) {
	l := newOpLocks()
	unlock := l.lock("a")

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		u := l.lock("a")
		close(acquired)
		u()
		close(released)
	}()

	other := l.lock("b")
	other()

	select {
	case <-acquired:
		t.Fatalf("second lock on the same id acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	<-released

	if l.size() != 0 {
		t.Fatalf("size = %d, want 0", l.size())
	}
}
