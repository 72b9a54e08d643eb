package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasksInOrder(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 3})

	var ran int32
	errOdd := errors.New("odd")
	for i := 0; i < 10; i++ {
		i := i
		pool.Submit(i, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			if i%2 == 1 {
				return errOdd
			}
			return nil
		})
	}

	results := pool.Wait()
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	if ran != 10 {
		t.Errorf("ran %d tasks, want 10", ran)
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
		if (i%2 == 1) != (r.Error != nil) {
			t.Errorf("result %d: unexpected error %v", i, r.Error)
		}
	}
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 2})

	var active, peak int32
	for i := 0; i < 8; i++ {
		pool.Submit(i, func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}
	pool.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds 2 workers", peak)
	}
}

func TestRetrySingleAttempt(t *testing.T) {
	want := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return want
	})
	if err != want {
		t.Errorf("got %v, want the unwrapped error", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRetryBackoffAndPermanent(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("got err=%v calls=%d, want success on third call", err, calls)
	}

	fatal := errors.New("fatal")
	calls = 0
	err = Retry(context.Background(), cfg, func() error {
		calls++
		return Permanent(fatal)
	})
	if err != fatal {
		t.Errorf("got %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}
