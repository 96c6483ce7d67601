// Package dedup keeps per-scope sets of content fingerprints so a document is
// persisted at most once per scope, even across concurrent jobs.
package dedup

import (
	"container/list"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/metrics"
)

// Index is a bounded fingerprint set keyed by scope. CheckAndInsert is an
// atomic test-and-set; when a scope reaches its capacity the least recently
// seen fingerprint is evicted.
type Index struct {
	mu       sync.Mutex
	capacity int
	scopes   map[string]*scopeSet
}

type scopeSet struct {
	order *list.List
	items map[string]*list.Element
}

// New creates an Index. capacity <= 0 leaves scopes unbounded.
func New(capacity int) *Index {
	return &Index{
		capacity: capacity,
		scopes:   make(map[string]*scopeSet),
	}
}

// CheckAndInsert returns true when fingerprint was not yet present in scope
// and has now been recorded, false when it was already there.
func (x *Index) CheckAndInsert(scope, fingerprint string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.scopes[scope]
	if !ok {
		set = &scopeSet{order: list.New(), items: make(map[string]*list.Element)}
		x.scopes[scope] = set
	}
	if el, seen := set.items[fingerprint]; seen {
		set.order.MoveToFront(el)
		return false
	}
	set.items[fingerprint] = set.order.PushFront(fingerprint)
	if x.capacity > 0 && set.order.Len() > x.capacity {
		oldest := set.order.Back()
		set.order.Remove(oldest)
		delete(set.items, oldest.Value.(string))
		metrics.ObserveDedupEviction(scope)
	}
	return true
}

// Release removes fingerprint from scope. Workers call it when a record that
// passed CheckAndInsert could not be stored, so a retry is not rejected as
// its own duplicate.
func (x *Index) Release(scope, fingerprint string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.scopes[scope]
	if !ok {
		return
	}
	if el, seen := set.items[fingerprint]; seen {
		set.order.Remove(el)
		delete(set.items, fingerprint)
	}
}

// Sizes returns the number of fingerprints held per scope.
func (x *Index) Sizes() map[string]int {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]int, len(x.scopes))
	for scope, set := range x.scopes {
		out[scope] = set.order.Len()
	}
	return out
}
