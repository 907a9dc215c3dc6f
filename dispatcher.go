package firehose

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fxsml/firehose/timingwheel"
)

// dispatchCtxKey marks a context as already running inside a worker, so
// a reentrant Notify call can bypass the backpressure gate and Ring
// Handoff entirely (spec.md §4.5 "Reentrancy"). Go has no per-thread
// locals, so the flag is threaded through context.Context instead of a
// ThreadLocal — the generalization spec.md §9 itself recommends.
type dispatchCtxKey struct{}

func withDispatchContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchCtxKey{}, true)
}

func inDispatchContext(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchCtxKey{}).(bool)
	return v
}

// Config configures a Dispatcher (spec.md §6 "Configuration"). The
// zero value is valid and applies every documented default.
type Config struct {
	// Concurrency is the fixed worker pool size draining the Ring
	// Handoff. Default 4.
	Concurrency int
	// Capacity bounds outstanding Ring Handoff tasks. Default 65536.
	Capacity int
	// ErrorHandler receives every ConsumerFailure, DispatchFailure,
	// BackpressureInterruption, and TimerCallbackFailure. Default logs
	// via the configured Logger.
	ErrorHandler func(error)
	// Logger backs the default ErrorHandler and the Dispatcher's own
	// diagnostics. Default wraps slog.Default().
	Logger Logger
	// TimerTick and TimerBuckets configure the lazily constructed
	// timing wheel returned by GetTimer. Defaults 10ms and 512.
	TimerTick    time.Duration
	TimerBuckets int
}

func (c Config) parse() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Capacity <= 0 {
		c.Capacity = 65536
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = defaultErrorHandler(c.Logger)
	}
	if c.TimerBuckets <= 0 {
		c.TimerBuckets = timingwheel.DefaultBuckets
	}
	return c
}

// Dispatcher, a.k.a. Firehose, is the keyed publish/subscribe bus
// (spec.md §4.5, C6). Publishers call Notify; consumers register via
// On/OnSelector/OnMatch; Shutdown completes in-flight work and stops
// accepting new tasks.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	ring     *ringHandoff

	eg *errgroup.Group

	timerOnce sync.Once
	timer     *timingwheel.Wheel

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewDispatcher constructs a Dispatcher and starts its worker pool.
func NewDispatcher(cfg Config) *Dispatcher {
	cfg = cfg.parse()
	d := &Dispatcher{
		cfg:      cfg,
		registry: NewRegistry(),
		ring:     newRingHandoff(cfg.Capacity, cfg.ErrorHandler),
	}
	d.startWorkers(cfg.Concurrency)
	return d
}

// startWorkers brings the worker pool up under an errgroup, so Shutdown
// can wait on the whole pool and surface the first worker failure
// through a single error return instead of hand-rolled WaitGroup
// bookkeeping.
func (d *Dispatcher) startWorkers(n int) {
	d.eg = &errgroup.Group{}
	for i := 0; i < n; i++ {
		d.eg.Go(d.worker)
	}
}

// worker loops: receive task, run it with the reentrancy flag set,
// release the slot the task's claim reserved (spec.md §4.5 "Worker
// pool"). It returns nil once the Ring Handoff closes. A task is just
// a call to dispatch, and dispatch recovers both a panicking Consumer
// (inside invoke) and a panicking Selector/Rewriter (inside Select) on
// its own, so worker itself never errors — the errgroup wiring exists
// to give Shutdown one place to wait on the whole pool.
func (d *Dispatcher) worker() error {
	for task := range d.ring.drain() {
		func() {
			defer d.ring.release()
			task()
		}()
	}
	return nil
}

// Notify publishes value under key. If the caller is already running
// inside a worker (a reentrant publish from a consumer), dispatch runs
// synchronously and depth-first on the current goroutine, bypassing the
// backpressure gate and Ring Handoff (spec.md §4.5, §5, invariant 4).
// Otherwise the publish is enqueued and Notify blocks, parking with
// adaptive backoff, until the Ring Handoff admits it.
func (d *Dispatcher) Notify(ctx context.Context, key Key, value any) error {
	if key == nil || value == nil {
		return precondition("notify requires a non-nil key and value")
	}

	if inDispatchContext(ctx) {
		d.dispatch(ctx, key, value)
		return nil
	}

	workerCtx := withDispatchContext(ctx)
	return d.ring.offer(ctx, func() {
		d.dispatch(workerCtx, key, value)
	})
}

// dispatch invokes every registration currently matching key, isolating
// each consumer's failure from the rest (spec.md §4.5 "Dispatch",
// invariants 1-2). Selecting those registrations runs a caller-supplied
// Selector and, for selector registrations, its Rewriter (registry.go
// Select) — a panic there happens outside any single consumer's
// invocation, so it is recovered here and reported as a DispatchFailure
// rather than crashing the worker (spec.md §7 "DispatchFailure").
func (d *Dispatcher) dispatch(ctx context.Context, key Key, value any) {
	regs, err := d.selectRegistrations(key)
	if err != nil {
		d.cfg.ErrorHandler(newDispatchError(key, err))
		return
	}
	for _, reg := range regs {
		d.invoke(ctx, reg, key, value)
	}
}

func (d *Dispatcher) selectRegistrations(key Key) (regs []*Registration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.registry.Select(key), nil
}

func (d *Dispatcher) invoke(ctx context.Context, reg *Registration, key Key, value any) {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.ErrorHandler(newConsumerError(key, fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := reg.Consumer(ctx, key, value); err != nil {
		d.cfg.ErrorHandler(newConsumerError(key, err))
	}
}

// On registers consumer under the exact key and returns a registration
// id usable with Unregister.
func (d *Dispatcher) On(key Key, consumer Consumer) string {
	return d.registry.Register(key, consumer)
}

// OnSelector registers a selector/rewriter pair: every key the selector
// matches has the rewriter's derived key→consumer entries materialized
// on demand at select time (spec.md §4.1, §4.6 pipeline materialization).
func (d *Dispatcher) OnSelector(sel Selector, rewriter Rewriter) string {
	return d.registry.RegisterSelector(sel, rewriter)
}

// OnMatch registers a single consumer invoked for every key the
// selector matches, without rewriting the key. This is a convenience
// over OnSelector for the common case of "one consumer, many keys."
func (d *Dispatcher) OnMatch(sel Selector, consumer Consumer) string {
	return d.registry.RegisterSelector(sel, func(k Key) map[Key]Consumer {
		return map[Key]Consumer{k: consumer}
	})
}

// Unregister removes a single registration by id.
func (d *Dispatcher) Unregister(id string) bool {
	return d.registry.Unregister(id)
}

// UnregisterKey removes every exact registration filed under key.
func (d *Dispatcher) UnregisterKey(key Key) bool {
	return d.registry.UnregisterKey(key)
}

// UnregisterMatch removes every registration whose key satisfies
// predicate (see Registry.UnregisterMatch for selector-equality rules).
func (d *Dispatcher) UnregisterMatch(predicate func(Key) bool) bool {
	return d.registry.UnregisterMatch(predicate)
}

// ErrorHandler returns the Dispatcher's configured error handler, for
// callers outside this package (e.g. the rs adapter) that need to
// report a failure through the same sink dispatch failures use.
func (d *Dispatcher) ErrorHandler() func(error) {
	return d.cfg.ErrorHandler
}

// GetTimer lazily constructs and returns the Dispatcher's Timing Wheel,
// thread-safe on first access (spec.md §4.5 "getTimer").
func (d *Dispatcher) GetTimer() *timingwheel.Wheel {
	d.timerOnce.Do(func() {
		d.timer = timingwheel.New(d.cfg.TimerTick, d.cfg.TimerBuckets)
	})
	return d.timer
}

// NotifyTimer is the publish path timer-driven pipeline operators use
// from inside a Timing Wheel callback: the callback has no
// request-scoped context of its own, so it publishes on a fresh
// background context, and any failure is routed to the error handler
// as a TimerCallbackFailure rather than returned (spec.md §4.3, §7).
func (d *Dispatcher) NotifyTimer(key Key, value any) {
	if err := d.Notify(context.Background(), key, value); err != nil {
		d.cfg.ErrorHandler(newTimerCallbackError(key, err))
	}
}

// Shutdown signals the Ring Handoff to stop accepting new tasks and
// waits for in-flight workers to finish their current task (spec.md
// §4.4, §4.5 "shutdown"). It does not interrupt a running consumer.
func (d *Dispatcher) Shutdown() error {
	d.shutdownOnce.Do(func() {
		d.ring.close()
		d.shutdownErr = d.eg.Wait()
		if d.timer != nil {
			d.timer.Stop()
		}
	})
	return d.shutdownErr
}

// Fork returns a new Dispatcher sharing this Dispatcher's Registry but
// with its own Ring Handoff and worker pool (spec.md §4.5 "fork").
// Registrations and published events are visible across forks since
// they share one Registry; each fork's own Notify calls are bound by
// its own capacity and concurrency.
func (d *Dispatcher) Fork(concurrency, capacity int) *Dispatcher {
	cfg := d.cfg
	cfg.Concurrency = concurrency
	cfg.Capacity = capacity
	cfg = cfg.parse()
	fork := &Dispatcher{
		cfg:      cfg,
		registry: d.registry,
		ring:     newRingHandoff(cfg.Capacity, cfg.ErrorHandler),
	}
	fork.startWorkers(cfg.Concurrency)
	return fork
}
