package conversation

import (
	"sort"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/capdissect/internal/metrics"
)

type entry[S any] struct {
	key   Key
	state *S
}

// Table maps conversation keys to decoder state. Entries never expire: they
// live until Reset, which callers invoke when the capture session ends.
type Table[S any] struct {
	name  string
	items *cache.Cache
}

// NewTable creates an empty table. name labels the conversation metrics.
func NewTable[S any](name string) *Table[S] {
	return &Table[S]{
		name:  name,
		items: cache.New(cache.NoExpiration, 0),
	}
}

// LookupOrCreate returns the state for k, creating it with newFn on first
// use. created reports whether this call inserted the state. When two
// callers race, exactly one insert wins and both get the same state.
func (t *Table[S]) LookupOrCreate(k Key, newFn func() *S) (state *S, created bool) {
	id := k.String()
	if v, ok := t.items.Get(id); ok {
		return v.(*entry[S]).state, false
	}
	e := &entry[S]{key: k, state: newFn()}
	if err := t.items.Add(id, e, cache.NoExpiration); err != nil {
		v, _ := t.items.Get(id)
		return v.(*entry[S]).state, false
	}
	metrics.ConversationsTracked.WithLabelValues(t.name).Inc()
	return e.state, true
}

// Get returns the state for k if it exists.
func (t *Table[S]) Get(k Key) (*S, bool) {
	v, ok := t.items.Get(k.String())
	if !ok {
		return nil, false
	}
	return v.(*entry[S]).state, true
}

// Len returns the number of tracked conversations.
func (t *Table[S]) Len() int { return t.items.ItemCount() }

// Range calls fn for every conversation in key order until fn returns false.
func (t *Table[S]) Range(fn func(k Key, state *S) bool) {
	items := t.items.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := items[id].Object.(*entry[S])
		if !fn(e.key, e.state) {
			return
		}
	}
}

// Reset discards every conversation.
func (t *Table[S]) Reset() {
	n := t.items.ItemCount()
	t.items.Flush()
	metrics.ConversationsTracked.WithLabelValues(t.name).Sub(float64(n))
}
