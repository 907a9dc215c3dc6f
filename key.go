package firehose

import (
	"fmt"
	"reflect"
	"strings"
)

// Key is the opaque routing identity a value is published and subscribed
// under. The engine only ever needs two things from a Key: something to
// hash/compare for exact-match registration (Comparable), and a way to
// derive a lineage-tagged copy of a key while pipeline stages propagate a
// value downstream (Clone).
//
// A clone's Comparable value is derived from, but distinct from, its
// source's: each pipeline stage needs its own routing identity so the
// Registry delivers a publish only to that stage's consumer, never to
// every stage sharing the same root key (see SPEC_FULL.md §12 for the
// reasoning behind this reading of the ambiguity). Lineage is still
// carried for diagnostics (String, logging).
type Key interface {
	// Comparable returns the value used for exact-index equality/hash.
	// It must itself be a comparable Go value (usable as a map key).
	Comparable() any
	// Clone returns a new Key derived from k, tagged with an additional
	// lineage marker. The returned Key's Comparable value differs from
	// k's whenever tag is non-empty.
	Clone(tag string) Key
	// String renders the key including its lineage, for logs and errors.
	String() string
}

// StringKey is the Key implementation the pipeline composer uses to
// derive internal stage keys from an application-supplied root key.
// Any comparable value can seed one; most applications that only need
// string identities can use StringKey directly as their Key.
type StringKey struct {
	id any
	// lineage holds every Clone tag, each preceded by a \x1f separator.
	// Keeping it a string keeps StringKey itself comparable, so it can be
	// used directly as a map key (e.g. in a Rewriter's result).
	lineage string
}

// NewKey wraps an arbitrary comparable value as a Key. It panics if id is
// not comparable, since it could never be used for exact-index lookups.
func NewKey(id any) StringKey {
	if id != nil && !reflect.ValueOf(id).Comparable() {
		panic(fmt.Sprintf("firehose: key %v is not comparable", id))
	}
	return StringKey{id: id}
}

// Comparable returns a value folding in id and lineage, so that clones
// with different lineage route to different Registry buckets while
// remaining traceable back to their root id.
func (k StringKey) Comparable() any {
	if k.lineage == "" {
		return k.id
	}
	return fmt.Sprintf("%v%s", k.id, k.lineage)
}

// Clone returns a copy of k with tag appended to its lineage, giving it
// a Comparable value distinct from k's own.
func (k StringKey) Clone(tag string) Key {
	return StringKey{id: k.id, lineage: k.lineage + "\x1f" + tag}
}

// String renders the key's identity and lineage, e.g. "orders[map#1]".
func (k StringKey) String() string {
	if k.lineage == "" {
		return fmt.Sprintf("%v", k.id)
	}
	return fmt.Sprintf("%v[%s]", k.id, strings.ReplaceAll(k.lineage[1:], "\x1f", " "))
}
