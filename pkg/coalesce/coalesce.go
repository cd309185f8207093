// Copyright 2023-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coalesce implements request coalescing with reference-counted
// cancellation (spec.md §4.2, "InFlight"). It is grounded on
// pkg/debuginfo/manager.go's use of golang.org/x/sync/singleflight
// (extractSingleflight, uploadSingleflight) to ensure at most one producer
// runs per key, generalized here because singleflight.Group alone cancels
// nothing: every caller either waits for the single in-flight call or
// doesn't, but none of them can ask it to stop early. spec.md §5 requires
// that a producer's context is canceled only once its LAST waiter leaves, so
// this package tracks waiter counts explicitly instead of delegating that
// decision to singleflight.
package coalesce

import (
	"context"
	"sync"
)

// Group coalesces concurrent calls sharing a key into a single producer
// invocation, the way Group.Do would, except the shared context is canceled
// the moment the last caller currently waiting on it detaches (because its
// own ctx was canceled, or because the producer finished).
type Group struct {
	mu     sync.Mutex
	flight map[string]*call
}

type call struct {
	ctx    context.Context
	cancel context.CancelFunc
	waiters int
	done    chan struct{}
	val     any
	err     error
}

// New returns an empty Group ready to use.
func New() *Group {
	return &Group{flight: map[string]*call{}}
}

// Do runs fn for key if no call for key is already in flight, otherwise it
// attaches to the in-flight call and waits for its result. The passed ctx is
// only used to let this particular waiter stop waiting early (e.g. its HTTP
// request disconnected, spec.md §7 "client disconnect"); the producer's own
// context is derived independently and is only canceled once every attached
// waiter has left — a waiter leaving because it lost a race with the
// producer completing is not a cancellation signal.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	if c, ok := g.flight[key]; ok {
		c.waiters++
		g.mu.Unlock()
		return g.wait(ctx, key, c)
	}

	producerCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		ctx:     producerCtx,
		cancel:  cancel,
		waiters: 1,
		done:    make(chan struct{}),
	}
	g.flight[key] = c
	g.mu.Unlock()

	go func() {
		val, err := fn(c.ctx)
		g.mu.Lock()
		c.val, c.err = val, err
		// Remove from the flight table as soon as the producer finishes, so
		// a caller arriving after completion starts a fresh producer instead
		// of replaying a stale result to what is no longer a coalesced
		// request — this group coalesces concurrent work, it does not cache.
		if g.flight[key] == c {
			delete(g.flight, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()

	return g.wait(ctx, key, c)
}

func (g *Group) wait(ctx context.Context, key string, c *call) (any, error) {
	defer g.detach(key, c)
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detach decrements the waiter count for c and cancels its producer context
// once the count reaches zero — regardless of whether detach is called
// because the waiter's own ctx was canceled or because the producer finished
// first; canceling an already-finished context's producer is a no-op.
func (g *Group) detach(key string, c *call) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if c.waiters <= 0 {
		c.cancel()
		if g.flight[key] == c {
			delete(g.flight, key)
		}
	}
}

// InFlight reports whether a producer for key is currently running, for
// metrics/diagnostics (spec.md §3, "InFlight").
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flight[key]
	return ok
}
