package controlflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// awaitPromise blocks the test goroutine until p settles. Registration
// counts as handling, so rejections awaited this way never trip the
// uncaught-exception path.
func awaitPromise(t *testing.T, p *Promise) (Value, error) {
	t.Helper()
	type outcome struct {
		value Value
		err   error
	}
	ch := make(chan outcome, 1)
	p.WhenSettled(func(v Value) {
		ch <- outcome{value: v}
	}, func(err error) {
		ch <- outcome{err: err}
	})
	select {
	case r := <-ch:
		return r.value, r.err
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", p)
		return nil, nil
	}
}

func newTestFlow(t *testing.T, opts ...Option) *ControlFlow {
	t.Helper()
	f := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	return f
}

func TestPromiseSingleSettlement(t *testing.T) {
	f := newTestFlow(t)
	d := f.NewDeferred("single")

	d.Resolve(1)
	d.Resolve(2)
	d.Reject(errors.New("too late"))

	v, err := awaitPromise(t, d.Promise)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Errorf("got %v, expected 1", v)
	}
	if got := d.Promise.State(); got != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", got)
	}
}

func TestPromiseThenChain(t *testing.T) {
	f := newTestFlow(t)

	p := f.Resolved(1).
		Then(func(v Value) (Value, error) {
			return v.(int) + 1, nil
		}, nil).
		Then(func(v Value) (Value, error) {
			return v.(int) * 2, nil
		}, nil)

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 4 {
		t.Errorf("got %v, expected 4", v)
	}
}

func TestPromiseThenNeverSynchronous(t *testing.T) {
	f := newTestFlow(t)

	var delivered bool
	p := f.Resolved("x").Then(func(v Value) (Value, error) {
		delivered = true
		return v, nil
	}, nil)
	if delivered {
		t.Error("callback ran synchronously during Then")
	}
	if _, err := awaitPromise(t, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delivered {
		t.Error("callback never ran")
	}
}

func TestPromiseCatchRecovers(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")

	p := f.Rejected(boom).Catch(func(err error) (Value, error) {
		if !errors.Is(err, boom) {
			t.Errorf("errback got %v, expected %v", err, boom)
		}
		return "recovered", nil
	})

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "recovered" {
		t.Errorf("got %v, expected recovered", v)
	}
}

func TestPromiseRejectionPropagatesPastNilErrback(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")

	p := f.Rejected(boom).
		Then(func(v Value) (Value, error) {
			t.Error("fulfillment callback ran on rejected promise")
			return v, nil
		}, nil).
		Catch(func(err error) (Value, error) {
			return nil, err
		})

	_, err := awaitPromise(t, p)
	if !errors.Is(err, boom) {
		t.Errorf("got %v, expected %v", err, boom)
	}
}

func TestPromiseThenNilNilReturnsReceiver(t *testing.T) {
	f := newTestFlow(t)
	p := f.Resolved(1)
	if p.Then(nil, nil) != p {
		t.Error("Then(nil, nil) returned a new promise")
	}
}

func TestPromiseAdoption(t *testing.T) {
	f := newTestFlow(t)
	inner := f.NewDeferred("inner")
	outer := f.NewDeferred("outer")

	outer.Resolve(inner.Promise)

	// Outer must not settle until inner does.
	time.Sleep(50 * time.Millisecond)
	if got := outer.Promise.State(); got != Blocked {
		t.Errorf("state = %v, expected Blocked", got)
	}

	inner.Resolve("done")
	v, err := awaitPromise(t, outer.Promise)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "done" {
		t.Errorf("got %v, expected done", v)
	}
}

func TestPromiseAdoptionOfRejection(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")
	inner := f.NewDeferred("inner")
	outer := f.NewDeferred("outer")

	outer.Resolve(inner.Promise)
	inner.Reject(boom)

	_, err := awaitPromise(t, outer.Promise)
	if !errors.Is(err, boom) {
		t.Errorf("got %v, expected %v", err, boom)
	}
}

func TestPromiseSelfResolution(t *testing.T) {
	f := newTestFlow(t)
	d := f.NewDeferred("self")

	d.Resolve(d.Promise)

	_, err := awaitPromise(t, d.Promise)
	var typeErr *TypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("got %v, expected *TypeError", err)
	}
}

func TestPromiseFinally(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")

	t.Run("fulfilled", func(t *testing.T) {
		ran := false
		p := f.Resolved("value").Finally(func() (Value, error) {
			ran = true
			return nil, nil
		})
		v, err := awaitPromise(t, p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != nil {
			t.Errorf("got %v, expected nil (Finally discards the value)", v)
		}
		if !ran {
			t.Error("finally callback never ran")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		ran := false
		p := f.Rejected(boom).Finally(func() (Value, error) {
			ran = true
			return nil, nil
		})
		_, err := awaitPromise(t, p)
		if !errors.Is(err, boom) {
			t.Errorf("got %v, expected %v", err, boom)
		}
		if !ran {
			t.Error("finally callback never ran")
		}
	})

	t.Run("callback error wins", func(t *testing.T) {
		worse := errors.New("worse")
		p := f.Rejected(boom).Finally(func() (Value, error) {
			return nil, worse
		})
		_, err := awaitPromise(t, p)
		if !errors.Is(err, worse) {
			t.Errorf("got %v, expected %v", err, worse)
		}
	})
}

func TestPromiseCancelPending(t *testing.T) {
	f := newTestFlow(t)
	d := f.NewDeferred("cancellable")

	d.Promise.Cancel(errors.New("no longer needed"))

	_, err := awaitPromise(t, d.Promise)
	var cancelErr *CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("got %v, expected *CancellationError", err)
	}
	if cancelErr.Message != "no longer needed" {
		t.Errorf("message = %q", cancelErr.Message)
	}
}

func TestPromiseCancelClimbsToRoot(t *testing.T) {
	f := newTestFlow(t)
	d := f.NewDeferred("root")

	child := d.Promise.Then(func(v Value) (Value, error) {
		t.Error("callback ran on cancelled chain")
		return v, nil
	}, nil)

	child.Cancel(nil)

	// The root of the chain is rejected, and the rejection flows back down.
	_, rootErr := awaitPromise(t, d.Promise)
	var cancelErr *CancellationError
	if !errors.As(rootErr, &cancelErr) {
		t.Fatalf("root got %v, expected *CancellationError", rootErr)
	}
	_, childErr := awaitPromise(t, child)
	if !errors.As(childErr, &cancelErr) {
		t.Fatalf("child got %v, expected *CancellationError", childErr)
	}
}

func TestPromiseCancelSettledIsNoop(t *testing.T) {
	f := newTestFlow(t)
	p := f.Resolved(5)
	if _, err := awaitPromise(t, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Cancel(errors.New("ignored"))

	v, err := awaitPromise(t, p)
	if err != nil || v != 5 {
		t.Errorf("got (%v, %v), expected (5, nil)", v, err)
	}
}

func TestPromiseWhenSettledLateBinding(t *testing.T) {
	f := newTestFlow(t)
	p := f.Resolved("late")
	if _, err := awaitPromise(t, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Registration after settlement still delivers.
	v, err := awaitPromise(t, p)
	if err != nil || v != "late" {
		t.Errorf("got (%v, %v), expected (late, nil)", v, err)
	}
}

func TestPromiseResult(t *testing.T) {
	f := newTestFlow(t)
	d := f.NewDeferred("result")

	if v, err := d.Promise.Result(); v != nil || err != nil {
		t.Errorf("pending Result = (%v, %v), expected (nil, nil)", v, err)
	}

	d.Resolve(42)
	if _, err := awaitPromise(t, d.Promise); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, err := d.Promise.Result(); v != 42 || err != nil {
		t.Errorf("Result = (%v, %v), expected (42, nil)", v, err)
	}
}

func TestPromiseAll(t *testing.T) {
	f := newTestFlow(t)

	d := f.NewDeferred("slow")
	p := f.All([]Value{1, f.Resolved(2), d.Promise})
	d.Resolve(3)

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := v.([]Value)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("got %v, expected [1 2 3]", got)
	}
}

func TestPromiseAllRejectsOnFirstFailure(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")

	p := f.All([]Value{f.Resolved(1), f.Rejected(boom)})

	_, err := awaitPromise(t, p)
	if !errors.Is(err, boom) {
		t.Errorf("got %v, expected %v", err, boom)
	}
}

func TestPromiseRejectNilErrorCoerced(t *testing.T) {
	f := newTestFlow(t)
	d := f.NewDeferred("nil reject")
	d.Reject(nil)

	_, err := awaitPromise(t, d.Promise)
	if err == nil {
		t.Fatal("rejection with nil error was not observable")
	}
}

func TestNewPromiseResolverPanicRejects(t *testing.T) {
	f := newTestFlow(t)

	p := f.NewPromise(func(resolve func(Value), reject func(error)) {
		panic("resolver exploded")
	}, "panicky")

	_, err := awaitPromise(t, p)
	var panicErr PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("got %v, expected PanicError", err)
	}
	if panicErr.Value != "resolver exploded" {
		t.Errorf("panic value = %v", panicErr.Value)
	}
}
