// internal/pending/registry.go
package pending

import (
	"sync"
	"sync/atomic"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// Result is delivered exactly once on a Request's completion channel.
type Result struct {
	Payload []byte
	Err     error
}

// Request is one outstanding command waiting for its reply.
//
// The Registry is the single source of truth: only the party that removes a
// Request from the Registry may complete it. Once absent, a Request is inert.
type Request struct {
	Selector frame.Selector

	done      chan Result
	cancelled atomic.Bool
}

// NewRequest creates a request with a single-use completion channel.
func NewRequest(sel frame.Selector) *Request {
	return &Request{
		Selector: sel,
		done:     make(chan Result, 1),
	}
}

// Done returns the completion channel. It receives exactly one Result.
func (r *Request) Done() <-chan Result { return r.done }

// Cancelled reports whether the request was removed by a bulk cancel.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// complete never blocks: the channel has room for the single result.
func (r *Request) complete(res Result) {
	r.done <- res
}

// Registry is an insertion-ordered set of outstanding requests.
// Selectors are not unique; matching is first-inserted-first-matched.
type Registry struct {
	mu   sync.Mutex
	reqs []*Request
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert appends r. Must happen before the command is written to the link.
func (g *Registry) Insert(r *Request) {
	g.mu.Lock()
	g.reqs = append(g.reqs, r)
	g.mu.Unlock()
}

// Match removes the oldest request with the given selector and completes it
// with payload. Returns false if nothing was waiting for this selector.
func (g *Registry) Match(sel frame.Selector, payload []byte) bool {
	g.mu.Lock()
	r := g.take(func(r *Request) bool { return r.Selector == sel })
	g.mu.Unlock()

	if r == nil {
		return false
	}
	r.complete(Result{Payload: payload})
	return true
}

// Remove takes r out of the registry without completing it.
// Returns false if r was already removed by a match or a cancel.
func (g *Registry) Remove(r *Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.take(func(x *Request) bool { return x == r }) != nil
}

// CancelAll removes every pending request and completes each with err.
// Returns the number of requests cancelled.
func (g *Registry) CancelAll(err error) int {
	g.mu.Lock()
	reqs := g.reqs
	g.reqs = nil
	g.mu.Unlock()

	for _, r := range reqs {
		r.cancelled.Store(true)
		r.complete(Result{Err: err})
	}
	return len(reqs)
}

// Len returns the number of outstanding requests.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

// take removes and returns the first request satisfying fn. Caller holds mu.
func (g *Registry) take(fn func(*Request) bool) *Request {
	for i, r := range g.reqs {
		if !fn(r) {
			continue
		}
		copy(g.reqs[i:], g.reqs[i+1:])
		g.reqs[len(g.reqs)-1] = nil
		g.reqs = g.reqs[:len(g.reqs)-1]
		return r
	}
	return nil
}
