package strategy

import (
	"golang.org/x/sync/singleflight"
)

// Revalidation is a background refresh of one cache entry.
type Revalidation struct {
	key    string
	done   chan struct{}
	err    error
	shared bool
}

// Key returns the cache key being refreshed.
func (r *Revalidation) Key() string { return r.key }

// Done is closed when the refresh finishes.
func (r *Revalidation) Done() <-chan struct{} { return r.done }

// Wait blocks until the refresh finishes and returns its error.
func (r *Revalidation) Wait() error {
	<-r.done
	return r.err
}

// Shared reports whether the refresh was joined with another one for the
// same key. Only valid after Done is closed.
func (r *Revalidation) Shared() bool {
	<-r.done
	return r.shared
}

type revalidateGroup struct {
	g singleflight.Group
}

func newRevalidateGroup() *revalidateGroup {
	return new(revalidateGroup)
}

func (g *revalidateGroup) do(key string, fn func() error) *Revalidation {
	r := &Revalidation{key: key, done: make(chan struct{})}
	ch := g.g.DoChan(key, func() (interface{}, error) {
		return nil, fn()
	})
	go func() {
		res := <-ch
		r.err = res.Err
		r.shared = res.Shared
		close(r.done)
	}()
	return r
}
