package firehose

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registration is an immutable (id, key-or-selector, consumer) tuple
// (spec.md §3). Registrations are never mutated after creation; the
// Registry replaces its indexes wholesale to add or remove them.
type Registration struct {
	ID       string
	Key      Key      // set for exact registrations, nil for selector ones.
	Selector Selector // set for selector registrations, nil for exact ones.
	Rewriter Rewriter
	Consumer Consumer
	seq      int64
}

// keyBucket pairs a concrete Key with the exact registrations filed
// under it, so predicate-based removal can test the original Key rather
// than just its Comparable projection.
type keyBucket struct {
	key  Key
	regs []*Registration
}

// Registry is the concurrent keyed consumer index behind a Dispatcher
// (spec.md §3, §4.1). Reads (Select) never block on writes: the exact
// index and selector list are copy-on-write, and readers take a
// snapshot reference — exactly the subscription-snapshot pattern this
// codebase's broker implementations use (copy the slice under a read
// lock, mutate by replacing it under a write lock).
type Registry struct {
	mu        sync.Mutex // serializes writers only
	exact     atomic.Pointer[map[any]*keyBucket]
	selectors atomic.Pointer[[]*Registration]
	seq       atomic.Int64
	gen       atomic.Int64

	cacheMu sync.Mutex
	cache   map[any]cacheEntry
}

type cacheEntry struct {
	gen  int64
	regs []*Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{cache: make(map[any]cacheEntry)}
	empty := make(map[any]*keyBucket)
	r.exact.Store(&empty)
	emptySel := make([]*Registration, 0)
	r.selectors.Store(&emptySel)
	return r
}

// Register adds an exact-key registration and returns its id.
func (r *Registry) Register(key Key, consumer Consumer) string {
	reg := &Registration{ID: uuid.NewString(), Key: key, Consumer: consumer, seq: r.seq.Add(1)}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.exact.Load()
	next := make(map[any]*keyBucket, len(old)+1)
	for k, b := range old {
		next[k] = b
	}
	id := key.Comparable()
	if b, ok := next[id]; ok {
		regs := make([]*Registration, len(b.regs)+1)
		copy(regs, b.regs)
		regs[len(b.regs)] = reg
		next[id] = &keyBucket{key: b.key, regs: regs}
	} else {
		next[id] = &keyBucket{key: key, regs: []*Registration{reg}}
	}
	r.exact.Store(&next)
	r.invalidate()
	return reg.ID
}

// RegisterSelector adds a selector registration and returns its id. The
// rewriter is invoked lazily by Select, never eagerly here.
func (r *Registry) RegisterSelector(sel Selector, rewriter Rewriter) string {
	reg := &Registration{ID: uuid.NewString(), Selector: sel, Rewriter: rewriter, seq: r.seq.Add(1)}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.selectors.Load()
	next := make([]*Registration, len(old)+1)
	copy(next, old)
	next[len(old)] = reg
	r.selectors.Store(&next)
	r.invalidate()
	return reg.ID
}

// Unregister removes the single registration with the given id,
// reporting whether it was found.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.exact.Load()
	next := make(map[any]*keyBucket, len(old))
	removed := false
	for k, b := range old {
		regs := b.regs
		for i, reg := range regs {
			if reg.ID == id {
				regs = append(append([]*Registration{}, regs[:i]...), regs[i+1:]...)
				removed = true
				break
			}
		}
		if len(regs) > 0 {
			next[k] = &keyBucket{key: b.key, regs: regs}
		}
	}
	if removed {
		r.exact.Store(&next)
		r.invalidate()
		return true
	}

	oldSel := *r.selectors.Load()
	for i, reg := range oldSel {
		if reg.ID == id {
			next := append(append([]*Registration{}, oldSel[:i]...), oldSel[i+1:]...)
			r.selectors.Store(&next)
			r.invalidate()
			return true
		}
	}
	return false
}

// UnregisterKey removes every exact registration filed under key,
// reporting whether any were removed (spec.md §4.1 unregister(key)).
func (r *Registry) UnregisterKey(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.exact.Load()
	id := key.Comparable()
	if _, ok := old[id]; !ok {
		return false
	}
	next := make(map[any]*keyBucket, len(old)-1)
	for k, b := range old {
		if k != id {
			next[k] = b
		}
	}
	r.exact.Store(&next)
	r.invalidate()
	return true
}

// UnregisterMatch removes every exact registration whose Key satisfies
// predicate, and every selector registration whose Selector is the same
// underlying function value as predicate (spec.md §4.1
// unregister(predicate); equality of a Selector to a plain predicate is
// implementation-defined — here it is reference equality of the
// underlying func, matching when callers unregister with the identical
// SelectorFunc value they registered).
func (r *Registry) UnregisterMatch(predicate func(Key) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false

	old := *r.exact.Load()
	next := make(map[any]*keyBucket, len(old))
	for k, b := range old {
		if predicate(b.key) {
			removed = true
			continue
		}
		next[k] = b
	}
	r.exact.Store(&next)

	predPtr := reflect.ValueOf(predicate).Pointer()
	oldSel := *r.selectors.Load()
	nextSel := make([]*Registration, 0, len(oldSel))
	for _, reg := range oldSel {
		if fn, ok := reg.Selector.(SelectorFunc); ok && reflect.ValueOf(fn).Pointer() == predPtr {
			removed = true
			continue
		}
		nextSel = append(nextSel, reg)
	}
	r.selectors.Store(&nextSel)

	if removed {
		r.invalidate()
	}
	return removed
}

// Select returns every registration currently matching key, in
// deterministic order: exact registrations first (insertion order),
// then selector-derived registrations (selector insertion order; the
// entries one Rewriter returns are ordered by their derived key's
// String). The result may be served from cache until any registry
// mutation invalidates it (spec.md §3, §4.1).
func (r *Registry) Select(key Key) []*Registration {
	id := key.Comparable()
	gen := r.gen.Load()

	r.cacheMu.Lock()
	if entry, ok := r.cache[id]; ok && entry.gen == gen {
		r.cacheMu.Unlock()
		return entry.regs
	}
	r.cacheMu.Unlock()

	exact := *r.exact.Load()
	var regs []*Registration
	if b, ok := exact[id]; ok {
		regs = append(regs, b.regs...)
	}

	for _, sreg := range *r.selectors.Load() {
		if !sreg.Selector.Match(key) {
			continue
		}
		if sreg.Rewriter == nil {
			regs = append(regs, sreg)
			continue
		}
		derived := sreg.Rewriter(key)
		dstKeys := make([]Key, 0, len(derived))
		for dstKey := range derived {
			dstKeys = append(dstKeys, dstKey)
		}
		sort.Slice(dstKeys, func(i, j int) bool { return dstKeys[i].String() < dstKeys[j].String() })
		for _, dstKey := range dstKeys {
			regs = append(regs, &Registration{
				ID:       sreg.ID,
				Key:      dstKey,
				Consumer: derived[dstKey],
				seq:      sreg.seq,
			})
		}
	}

	r.cacheMu.Lock()
	r.cache[id] = cacheEntry{gen: gen, regs: regs}
	r.cacheMu.Unlock()

	return regs
}

func (r *Registry) invalidate() {
	r.gen.Add(1)
}
