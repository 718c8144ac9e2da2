package controlflow

import (
	"errors"
	"testing"
	"time"
)

func TestCoroutineAwait(t *testing.T) {
	f := newTestFlow(t)

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		total := 0
		for i := 1; i <= 3; i++ {
			i := i
			v, err := co.Execute(func() (Value, error) {
				return i * 10, nil
			}, "step")
			if err != nil {
				return nil, err
			}
			total += v.(int)
		}
		return total, nil
	}, "summing")

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 60 {
		t.Errorf("got %v, expected 60", v)
	}
}

func TestCoroutineAwaitPlainValue(t *testing.T) {
	f := newTestFlow(t)

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		return co.Await("plain")
	}, "passthrough")

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "plain" {
		t.Errorf("got %v, expected plain", v)
	}
}

func TestCoroutineAwaitRejection(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		d := f.NewDeferred("doomed")
		d.Reject(boom)
		if _, err := co.Await(d.Promise); err != nil {
			return "handled: " + err.Error(), nil
		}
		return nil, errors.New("await did not surface the rejection")
	}, "recovering")

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "handled: boom" {
		t.Errorf("got %v", v)
	}
}

func TestCoroutineBodyErrorRejects(t *testing.T) {
	f := newTestFlow(t)
	boom := errors.New("boom")

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		return nil, boom
	}, "failing")

	_, err := awaitPromise(t, p)
	if !errors.Is(err, boom) {
		t.Errorf("got %v, expected %v", err, boom)
	}
}

func TestCoroutinePanicRejects(t *testing.T) {
	f := newTestFlow(t)

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		panic("coroutine exploded")
	}, "panicky")

	_, err := awaitPromise(t, p)
	var panicErr PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("got %v, expected PanicError", err)
	}
}

func TestCoroutineCancelDiscardsFrameWork(t *testing.T) {
	f := newTestFlow(t)

	started := make(chan struct{})
	release := make(chan struct{})
	late := make(chan error, 1)

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		close(started)
		<-release
		_, err := co.Execute(func() (Value, error) {
			return nil, nil
		}, "late")
		late <- err
		return nil, err
	}, "cancellable")

	<-started
	p.Cancel(errors.New("stop"))

	_, err := awaitPromise(t, p)
	var cancelErr *CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("got %v, expected *CancellationError", err)
	}

	// The frame was unwound on cancellation; work scheduled afterwards is
	// rejected rather than run, and the body sees the error.
	close(release)
	select {
	case lerr := <-late:
		if lerr == nil {
			t.Error("frame accepted work after the coroutine was cancelled")
		}
	case <-time.After(testTimeout):
		t.Fatal("coroutine body never observed the cancellation")
	}
}

func TestCoroutineSleep(t *testing.T) {
	f := newTestFlow(t)
	start := time.Now()

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		if err := co.Sleep(25 * time.Millisecond); err != nil {
			return nil, err
		}
		return time.Since(start), nil
	}, "sleepy")

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(time.Duration) < 25*time.Millisecond {
		t.Errorf("slept %s, expected at least 25ms", v)
	}
}

func TestCoroutineYield(t *testing.T) {
	f := newTestFlow(t)

	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		for i := 0; i < 5; i++ {
			if err := co.Yield(); err != nil {
				return nil, err
			}
		}
		return "done", nil
	}, "yielding")

	v, err := awaitPromise(t, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "done" {
		t.Errorf("got %v, expected done", v)
	}
}

func TestCoroutineInterleavesWithTasks(t *testing.T) {
	f := newTestFlow(t)

	var order []string
	p := f.ExecuteCoroutine(func(co *Coroutine) (Value, error) {
		if _, err := co.Execute(func() (Value, error) {
			order = append(order, "first")
			return nil, nil
		}, "first"); err != nil {
			return nil, err
		}
		if _, err := co.Execute(func() (Value, error) {
			order = append(order, "second")
			return nil, nil
		}, "second"); err != nil {
			return nil, err
		}
		return nil, nil
	}, "driver")

	if _, err := awaitPromise(t, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}
