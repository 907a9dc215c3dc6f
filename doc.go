// Package firehose implements a keyed, in-process publish/subscribe
// dispatch engine. Publishers notify (key, value) pairs; consumers
// register interest by exact key or by key-matching selector; the engine
// delivers each event to every matching consumer with controlled
// concurrency, bounded backpressure, and depth-first reentrant dispatch.
//
// The dispatch core (Dispatcher, Registry, RingHandoff, Atom) is
// intentionally small and unopinionated about what values flow through
// it. The pipeline composer, in the firehose/pipe subpackage, builds
// declarative stream operators (map, scan, filter, window, debounce,
// throttle) on top of it by registering chained consumers under
// derived keys.
package firehose
