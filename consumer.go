package firehose

import "context"

// Consumer is the callable a Registration invokes for a matching event.
// Returning a non-nil error marks the event as a ConsumerFailure for
// that consumer only; dispatch continues to the next matching consumer
// regardless (spec.md §4.5, §7). A panicking Consumer is recovered by
// the Dispatcher and treated identically to a returned error.
//
// ctx carries the in-dispatcher-context marker: a Consumer that calls
// Dispatcher.Notify with the ctx it was given gets depth-first reentrant
// delivery (spec.md §4.5) instead of going through the backpressure
// gate and ring handoff again.
type Consumer func(ctx context.Context, key Key, value any) error
