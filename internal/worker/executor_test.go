package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoReturnsResult(t *testing.T) {
	e := New(2, 4, nil)
	defer e.Close()

	got, err := Do(context.Background(), e, "double", time.Second, func(context.Context) (int, error) {
		return 21 * 2, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestDoReturnsTaskError(t *testing.T) {
	e := New(1, 0, nil)
	defer e.Close()

	want := errors.New("boom")
	_, err := Do(context.Background(), e, "fail", time.Second, func(context.Context) (string, error) {
		return "", want
	})
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
}

func TestDoTimesOutButTaskFinishes(t *testing.T) {
	e := New(1, 1, nil)
	defer e.Close()

	release := make(chan struct{})
	var finished atomic.Bool
	_, err := Do(context.Background(), e, "slow", 20*time.Millisecond, func(context.Context) (bool, error) {
		<-release
		finished.Store(true)
		return true, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !finished.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !finished.Load() {
		t.Error("task did not keep running after the wait timed out")
	}
}

func TestPanicBecomesError(t *testing.T) {
	e := New(1, 0, nil)
	defer e.Close()

	_, err := Do(context.Background(), e, "panic", time.Second, func(context.Context) (int, error) {
		panic("bad")
	})
	if err == nil {
		t.Fatal("expected error from panicking task")
	}

	// The worker survives.
	if _, err := Do(context.Background(), e, "after", time.Second, func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Errorf("worker dead after panic: %v", err)
	}
}

func TestCloseCancelsTasksAndRejectsNew(t *testing.T) {
	e := New(1, 0, nil)

	started := make(chan struct{})
	canceled := make(chan struct{})
	if err := e.Go(context.Background(), "wait", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	<-started
	e.Close()

	select {
	case <-canceled:
	default:
		t.Error("running task not canceled by Close")
	}
	if err := e.Go(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Go after Close error = %v, want ErrClosed", err)
	}
	e.Close()
}
