// Package rs is the Reactive-Streams boundary adapter (spec.md §4.7,
// C8): it bridges external pull-based subscribers and publishers to a
// firehose.Dispatcher without the Dispatcher itself knowing anything
// about demand or cancellation.
package rs

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/fxsml/firehose"
)

// Event is a single (key, value) pair crossing the Reactive-Streams
// boundary.
type Event struct {
	Key   firehose.Key
	Value any
}

// Subscription is the demand-control handle a Publisher hands a
// Subscriber on subscribe.
type Subscription interface {
	// Request asks for n more items; n must be positive.
	Request(n int64)
	// Cancel stops delivery. Idempotent.
	Cancel()
}

// Subscriber receives events pulled from a Publisher.
type Subscriber interface {
	OnSubscribe(Subscription)
	OnNext(Event)
	OnError(error)
	OnComplete()
}

// Publisher is a source of Events a Subscriber can pull from.
type Publisher interface {
	Subscribe(Subscriber)
}

// dispatcherSubscriber forwards every OnNext into a Dispatcher's
// Notify, requesting one more item after each delivery (spec.md §4.7
// "make_subscriber").
type dispatcherSubscriber struct {
	d        *firehose.Dispatcher
	upstream Subscription
}

// NewSubscriber returns a Subscriber that republishes every event it
// receives onto d via Notify, maintaining demand of one item at a time.
func NewSubscriber(d *firehose.Dispatcher) Subscriber {
	return &dispatcherSubscriber{d: d}
}

func (s *dispatcherSubscriber) OnSubscribe(sub Subscription) {
	s.upstream = sub
	sub.Request(1)
}

func (s *dispatcherSubscriber) OnNext(e Event) {
	if err := s.d.Notify(context.Background(), e.Key, e.Value); err != nil {
		s.d.ErrorHandler()(err)
	}
	if s.upstream != nil {
		s.upstream.Request(1)
	}
}

func (s *dispatcherSubscriber) OnError(err error) {
	s.d.ErrorHandler()(err)
}

func (s *dispatcherSubscriber) OnComplete() {
	if s.upstream != nil {
		s.upstream.Cancel()
	}
}

// keyedSubscriber is a dispatcherSubscriber variant that derives the
// publish key for each event from (key, value) via transpose, instead
// of always publishing back under the event's own key. This mirrors a
// second subscriber constructor the original Firehose offers for
// rerouting an upstream event stream onto a different key space.
type keyedSubscriber struct {
	d         *firehose.Dispatcher
	transpose func(firehose.Key, any) firehose.Key
	upstream  Subscription
}

// NewKeyedSubscriber returns a Subscriber like NewSubscriber, except
// the key it publishes each event under is computed by transpose(key,
// value) rather than reused verbatim from the incoming Event.
func NewKeyedSubscriber(d *firehose.Dispatcher, transpose func(firehose.Key, any) firehose.Key) Subscriber {
	return &keyedSubscriber{d: d, transpose: transpose}
}

func (s *keyedSubscriber) OnSubscribe(sub Subscription) {
	s.upstream = sub
	sub.Request(1)
}

func (s *keyedSubscriber) OnNext(e Event) {
	dest := s.transpose(e.Key, e.Value)
	if err := s.d.Notify(context.Background(), dest, e.Value); err != nil {
		s.d.ErrorHandler()(err)
	}
	if s.upstream != nil {
		s.upstream.Request(1)
	}
}

func (s *keyedSubscriber) OnError(err error) {
	s.d.ErrorHandler()(err)
}

func (s *keyedSubscriber) OnComplete() {
	if s.upstream != nil {
		s.upstream.Cancel()
	}
}

// dispatcherPublisher exposes everything published under key as a
// Reactive-Streams Publisher (spec.md §4.7 "make_publisher").
type dispatcherPublisher struct {
	d   *firehose.Dispatcher
	key firehose.Key
}

// NewPublisher returns a Publisher that, once subscribed, forwards
// every event notified on key to the subscriber, honoring its demand.
func NewPublisher(d *firehose.Dispatcher, key firehose.Key) Publisher {
	return &dispatcherPublisher{d: d, key: key}
}

func (p *dispatcherPublisher) Subscribe(sub Subscriber) {
	ps := &publisherSubscription{d: p.d, sub: sub}
	ps.id = p.d.On(p.key, ps.deliver)
	sub.OnSubscribe(ps)
}

// publisherSubscription tracks outstanding demand as a saturating
// signed counter: repeated Request calls add without overflowing past
// math.MaxInt64, mirroring Long.MAX_VALUE ≡ unbounded demand in
// Reactive Streams implementations (spec.md §4.7).
type publisherSubscription struct {
	d        *firehose.Dispatcher
	sub      Subscriber
	id       string
	demand   atomic.Int64
	canceled atomic.Bool
}

func (s *publisherSubscription) Request(n int64) {
	if n <= 0 {
		s.sub.OnError(firehose.ErrPrecondition)
		return
	}
	for {
		cur := s.demand.Load()
		next := cur + n
		if next < cur { // overflow
			next = math.MaxInt64
		}
		if s.demand.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *publisherSubscription) Cancel() {
	if s.canceled.CompareAndSwap(false, true) {
		s.d.Unregister(s.id)
	}
}

// deliver is registered as the Dispatcher consumer for the publisher's
// key. It consumes one unit of demand per delivered event and silently
// drops events in excess of outstanding demand — a publisher with no
// subscriber demand simply does not forward, rather than blocking the
// dispatch worker that called it.
func (s *publisherSubscription) deliver(ctx context.Context, k firehose.Key, v any) error {
	if s.canceled.Load() {
		return nil
	}
	for {
		cur := s.demand.Load()
		if cur <= 0 {
			return nil
		}
		next := cur
		if cur != math.MaxInt64 {
			next = cur - 1
		}
		if s.demand.CompareAndSwap(cur, next) {
			break
		}
	}
	s.sub.OnNext(Event{Key: k, Value: v})
	return nil
}
