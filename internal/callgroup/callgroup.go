// Package callgroup deduplicates concurrent calls by key.
//
// When several goroutines ask for the same key at once, one of them runs
// the function and the rest wait for its result. The key is forgotten as
// soon as the function returns, so a later call runs it again.
package callgroup

import "sync"

// Result is what a call produced. Shared is true for callers that joined a
// call already in flight.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

// Group deduplicates concurrent calls returning V, keyed by K.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// DoChan runs fn unless a call for key is already in flight, in which
// case the returned channel delivers that call's result. The channel
// receives exactly one value and is never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c.wait(true)
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()
	return c.wait(false)
}

// InFlight reports whether a call for key is running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

func (c *call[V]) wait(shared bool) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- Result[V]{Val: c.val, Err: c.err, Shared: shared}
	}()
	return ch
}
