// Package pipe is the Pipeline Composer: an immutable, persistent
// description of stream operators (map, stateful map, scan, filter,
// sliding window, partition, debounce, throttle, consume) materialized
// onto a firehose.Dispatcher by registering a chain of keyed consumers,
// each republishing under a derived key to the next (spec.md §4.6, C7).
//
// Building a Pipe never touches a Dispatcher. Operator state (Atoms,
// pending timer handles) is created only when Subscribe materializes
// the chain, so one Pipe value can be subscribed many times, each
// subscription getting its own independent state.
package pipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/firehose"
	"github.com/fxsml/firehose/timingwheel"
)

// operator materializes one link of a pipeline when Subscribe walks the
// chain: given the link's source and destination keys and the
// dispatcher to register against, it registers a consumer at source and
// returns the registration id.
type operator func(d *firehose.Dispatcher, source, dest firehose.Key) string

// Pipe is an immutable ordered sequence of operators. Every combinator
// (Map, Scan, Filter, ...) returns a new Pipe extending the sequence;
// the receiver is never mutated, so a Pipe is safe to share and
// subscribe from multiple goroutines or multiple times over.
type Pipe struct {
	ops []operator
}

// New returns an empty Pipe.
func New() *Pipe {
	return &Pipe{}
}

func (p *Pipe) extend(op operator) *Pipe {
	ops := make([]operator, len(p.ops)+1)
	copy(ops, p.ops)
	ops[len(p.ops)] = op
	return &Pipe{ops: ops}
}

// Subscription is the handle Subscribe returns: it owns every
// registration materialized for the chain and tears them all down on
// Unsubscribe.
type Subscription struct {
	d   *firehose.Dispatcher
	ids []string
}

// Unsubscribe removes every registration this subscription created.
// Idempotent.
func (s *Subscription) Unsubscribe() {
	for _, id := range s.ids {
		s.d.Unregister(id)
	}
	s.ids = nil
}

// subscriptionSeq numbers Subscribe calls, so stage tags stay unique even
// when the same source key is subscribed more than once.
var subscriptionSeq atomic.Int64

// Subscribe materializes the pipe onto d, starting at source. Each link
// gets a fresh internal destination key — a clone of the previous
// link's key carrying a unique stage tag — and the link's operator is
// registered as a consumer of the previous key, publishing to the next
// (spec.md §4.6 "Materialization").
func Subscribe(p *Pipe, d *firehose.Dispatcher, source firehose.Key) *Subscription {
	ids := make([]string, 0, len(p.ops))
	seq := subscriptionSeq.Add(1)
	cur := source
	for i, op := range p.ops {
		next := cur.Clone(fmt.Sprintf("stage%d#%d", i, seq))
		ids = append(ids, op(d, cur, next))
		cur = next
	}
	return &Subscription{d: d, ids: ids}
}

func typeMismatch(stage string, v any) error {
	return fmt.Errorf("pipe: %s received value of unexpected type %T", stage, v)
}

// Map publishes f(v) downstream for every (k, v) observed at this stage
// (spec.md §4.6 "map(f)").
func Map[In, Out any](p *Pipe, f func(In) Out) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(In)
			if !ok {
				return typeMismatch("map", v)
			}
			return d.Notify(ctx, dest, f(in))
		})
	})
}

// MapWithState owns an Atom[S] keyed to this subscription's source and
// publishes f(state, v) downstream; f may read and replace the state
// through the Atom it is given (spec.md §4.6 "map(f_builder, init)").
func MapWithState[In, Out, S any](p *Pipe, f func(s *firehose.Atom[S], in In) Out, init S) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		state := firehose.NewAtom(init)
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(In)
			if !ok {
				return typeMismatch("map", v)
			}
			return d.Notify(ctx, dest, f(state, in))
		})
	})
}

// Scan owns an Atom[S] and publishes the running fold f(state, v) for
// every event (spec.md §4.6 "scan(f, init)").
func Scan[V, S any](p *Pipe, f func(S, V) S, init S) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		state := firehose.NewAtom(init)
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("scan", v)
			}
			next := state.Swap(func(s S) S { return f(s, in) })
			return d.Notify(ctx, dest, next)
		})
	})
}

// Filter publishes v downstream only when pred(v) holds (spec.md §4.6
// "filter(p)").
func Filter[V any](p *Pipe, pred func(V) bool) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("filter", v)
			}
			if !pred(in) {
				return nil
			}
			return d.Notify(ctx, dest, in)
		})
	})
}

// Slide owns an Atom holding the accumulated sequence; on each event it
// appends v and republishes drop(sequence), letting drop trim the
// window (e.g. keep the last N) (spec.md §4.6 "slide(drop)").
func Slide[V any](p *Pipe, drop func([]V) []V) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		state := firehose.NewAtom([]V{})
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("slide", v)
			}
			next := state.Swap(func(seq []V) []V {
				grown := make([]V, len(seq)+1)
				copy(grown, seq)
				grown[len(seq)] = in
				return drop(grown)
			})
			return d.Notify(ctx, dest, next)
		})
	})
}

// Partition owns an Atom holding the pending batch; on each event it
// appends v, and if emitWhenFull reports the batch full, publishes the
// batch and resets it to empty. The append-test-emit-reset sequence is
// atomic with respect to concurrent events on the same key: the
// decision is made inside Swap, and the publish happens only after the
// Swap that decided to emit has committed (spec.md §4.6 "partition").
func Partition[V any](p *Pipe, emitWhenFull func([]V) bool) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		state := firehose.NewAtom([]V{})
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("partition", v)
			}
			var toEmit []V
			state.Swap(func(batch []V) []V {
				grown := make([]V, len(batch)+1)
				copy(grown, batch)
				grown[len(batch)] = in
				if emitWhenFull(grown) {
					toEmit = grown
					return []V{}
				}
				toEmit = nil
				return grown
			})
			if toEmit == nil {
				return nil
			}
			return d.Notify(ctx, dest, toEmit)
		})
	})
}

// Debounce owns an Atom[V] holding the last-seen value and a handle
// cell. The first event in a quiet window schedules a firing via the
// Dispatcher's timing wheel; later events within the window overwrite
// last-seen without rescheduling. Emission happens once, period after
// the first event of the window, with whatever value was last seen by
// then (spec.md §4.6 "debounce(period)"; naming resolved per
// SPEC_FULL.md §12).
func Debounce[V any](p *Pipe, period time.Duration) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		var zero V
		last := firehose.NewAtom(zero)
		var mu sync.Mutex
		var pending *timingwheel.Handle

		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("debounce", v)
			}
			last.Swap(func(V) V { return in })

			mu.Lock()
			defer mu.Unlock()
			if pending != nil {
				return nil
			}
			pending = d.GetTimer().Submit(func() {
				mu.Lock()
				pending = nil
				mu.Unlock()
				d.NotifyTimer(dest, last.Deref())
			}, period)
			return nil
		})
	})
}

// Throttle owns an Atom[V] holding the last-seen value and a handle
// cell. Every event cancels the prior pending handle, overwrites
// last-seen, and schedules a new firing; emission happens once the
// stream has gone idle for a full period (spec.md §4.6
// "throttle(period)"; naming resolved per SPEC_FULL.md §12).
func Throttle[V any](p *Pipe, period time.Duration) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		var zero V
		last := firehose.NewAtom(zero)
		var mu sync.Mutex
		var pending *timingwheel.Handle

		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("throttle", v)
			}
			last.Swap(func(V) V { return in })

			mu.Lock()
			defer mu.Unlock()
			if pending != nil {
				pending.Cancel()
			}
			pending = d.GetTimer().Submit(func() {
				mu.Lock()
				pending = nil
				mu.Unlock()
				d.NotifyTimer(dest, last.Deref())
			}, period)
			return nil
		})
	})
}

// Consume registers a terminal consumer at the last internal key; it
// has no downstream destination (spec.md §4.6 "consume(consumer)").
func Consume[V any](p *Pipe, consumer func(ctx context.Context, key firehose.Key, value V) error) *Pipe {
	return p.extend(func(d *firehose.Dispatcher, source, dest firehose.Key) string {
		return d.On(source, func(ctx context.Context, k firehose.Key, v any) error {
			in, ok := v.(V)
			if !ok {
				return typeMismatch("consume", v)
			}
			return consumer(ctx, k, in)
		})
	})
}
