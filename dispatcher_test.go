package firehose

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not satisfied before timeout")
	}
}

func TestDispatcherNotifyDeliversToAllMatchingConsumers(t *testing.T) {
	d := NewDispatcher(Config{Concurrency: 2, Capacity: 16})
	defer d.Shutdown()

	k := NewKey("orders")
	var mu sync.Mutex
	var got []int

	d.On(k, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		got = append(got, v.(int))
		mu.Unlock()
		return nil
	})
	d.On(k, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		got = append(got, v.(int)*10)
		mu.Unlock()
		return nil
	})

	if err := d.Notify(context.Background(), k, 3); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != 3 || got[1] != 30 {
		t.Errorf("got = %v, want [3 30]", got)
	}
}

func TestDispatcherErrorIsolation(t *testing.T) {
	var errCount int
	var mu sync.Mutex
	d := NewDispatcher(Config{
		Concurrency: 1,
		Capacity:    16,
		ErrorHandler: func(err error) {
			mu.Lock()
			errCount++
			mu.Unlock()
		},
	})
	defer d.Shutdown()

	k := NewKey("orders")
	var secondRan bool

	d.On(k, func(ctx context.Context, key Key, v any) error {
		return errors.New("boom")
	})
	d.On(k, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		secondRan = true
		mu.Unlock()
		return nil
	})

	if err := d.Notify(context.Background(), k, 1); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondRan
	})

	mu.Lock()
	defer mu.Unlock()
	if errCount != 1 {
		t.Errorf("expected the error handler to run exactly once, ran %d times", errCount)
	}
	if !secondRan {
		t.Error("expected the second consumer to still run after the first failed")
	}
}

func TestDispatcherRecoversPanickingConsumer(t *testing.T) {
	var errCount int
	var mu sync.Mutex
	d := NewDispatcher(Config{
		Concurrency: 1,
		Capacity:    16,
		ErrorHandler: func(err error) {
			mu.Lock()
			errCount++
			mu.Unlock()
		},
	})
	defer d.Shutdown()

	k := NewKey("orders")
	d.On(k, func(ctx context.Context, key Key, v any) error {
		panic("boom")
	})

	if err := d.Notify(context.Background(), k, 1); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errCount == 1
	})
}

func TestDispatcherReentrantNotifyIsDepthFirst(t *testing.T) {
	d := NewDispatcher(Config{Concurrency: 1, Capacity: 16})
	defer d.Shutdown()

	upstream := NewKey("upstream")
	downstream := NewKey("downstream")

	var order []string
	var mu sync.Mutex

	d.On(downstream, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		order = append(order, "downstream")
		mu.Unlock()
		return nil
	})
	d.On(upstream, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		order = append(order, "upstream-before")
		mu.Unlock()
		if err := d.Notify(ctx, downstream, v); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, "upstream-after")
		mu.Unlock()
		return nil
	})

	if err := d.Notify(context.Background(), upstream, 1); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"upstream-before", "downstream", "upstream-after"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatcherBackpressureBoundsCapacity(t *testing.T) {
	d := NewDispatcher(Config{Concurrency: 2, Capacity: 2})
	defer d.Shutdown()

	k := NewKey("orders")
	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex

	d.On(k, func(ctx context.Context, key Key, v any) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	const total = 20
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			d.Notify(context.Background(), k, i)
		}
		close(done)
	}()

	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishes did not all complete")
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == total
	})
}

func TestDispatcherUnregisterStopsDelivery(t *testing.T) {
	d := NewDispatcher(Config{Concurrency: 1, Capacity: 16})
	defer d.Shutdown()

	k := NewKey("orders")
	var calls int
	var mu sync.Mutex

	id := d.On(k, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	d.Notify(context.Background(), k, 1)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	if !d.Unregister(id) {
		t.Fatal("expected Unregister to succeed")
	}

	d.Notify(context.Background(), k, 2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected no further deliveries after Unregister, calls = %d", calls)
	}
}

func TestDispatcherNotifyRejectsNilKeyOrValue(t *testing.T) {
	d := NewDispatcher(Config{})
	defer d.Shutdown()

	if err := d.Notify(context.Background(), nil, 1); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected ErrPrecondition for nil key, got %v", err)
	}
	if err := d.Notify(context.Background(), NewKey("k"), nil); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected ErrPrecondition for nil value, got %v", err)
	}
}

func TestDispatcherGetTimerIsSingleton(t *testing.T) {
	d := NewDispatcher(Config{})
	defer d.Shutdown()

	a := d.GetTimer()
	b := d.GetTimer()
	if a != b {
		t.Error("expected GetTimer to return the same instance on repeated calls")
	}
}

func TestDispatcherPanickingRewriterIsIsolatedAsDispatchFailure(t *testing.T) {
	var mu sync.Mutex
	var dispatchErrCount int
	d := NewDispatcher(Config{
		Concurrency: 1,
		Capacity:    16,
		ErrorHandler: func(err error) {
			mu.Lock()
			if errors.Is(err, ErrDispatch) {
				dispatchErrCount++
			}
			mu.Unlock()
		},
	})
	defer d.Shutdown()

	explode := NewKey("explode")
	d.OnSelector(SelectorFunc(func(k Key) bool {
		return k.Comparable() == explode.Comparable()
	}), func(Key) map[Key]Consumer {
		panic("boom")
	})

	if err := d.Notify(context.Background(), explode, 1); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dispatchErrCount == 1
	})

	// The engine must still be alive: a later publish on an unrelated
	// key, which doesn't touch the panicking selector, must still reach
	// its consumer.
	k := NewKey("orders")
	var delivered bool
	d.On(k, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		delivered = true
		mu.Unlock()
		return nil
	})
	if err := d.Notify(context.Background(), k, 2); err != nil {
		t.Fatalf("Notify returned error after a dispatch failure: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	})
}

func TestDispatcherShutdownRacesWithBackpressureBlockedNotify(t *testing.T) {
	d := NewDispatcher(Config{Concurrency: 1, Capacity: 1})

	k := NewKey("orders")
	started := make(chan struct{})
	var once sync.Once
	d.On(k, func(ctx context.Context, key Key, v any) error {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	if err := d.Notify(context.Background(), k, 1); err != nil {
		t.Fatalf("first Notify returned error: %v", err)
	}
	<-started // the only capacity slot is now held by the running task

	notifyDone := make(chan error, 1)
	go func() {
		notifyDone <- d.Notify(context.Background(), k, 2)
	}()

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- d.Shutdown()
	}()

	select {
	case <-notifyDone:
	case <-time.After(time.Second):
		t.Fatal("second Notify did not return after racing Shutdown")
	}
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after racing with a blocked Notify")
	}
}

func TestDispatcherForkSharesRegistry(t *testing.T) {
	d := NewDispatcher(Config{Concurrency: 1, Capacity: 16})
	defer d.Shutdown()
	fork := d.Fork(1, 16)
	defer fork.Shutdown()

	k := NewKey("orders")
	var calls int
	var mu sync.Mutex
	d.On(k, func(ctx context.Context, key Key, v any) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	if err := fork.Notify(context.Background(), k, 1); err != nil {
		t.Fatalf("Notify on fork returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
}
