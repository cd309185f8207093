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

// Package diskcache implements the content-addressed, directory-backed cache
// described in spec.md §4.1. It generalizes the shape of the teacher's
// pkg/cache (a generic, Prometheus-instrumented cache wrapper around a
// pluggable eviction policy) from an in-memory map to a filesystem directory,
// since artifacts here are NAR trees and debug files that can run into
// gigabytes.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Key names one cache entry. Rendered to a filesystem-safe relative path by
// Key.Path; entries never collide across differing Kind+Name pairs.
type Key struct {
	// Kind separates namespaces that share this cache (e.g. "debuginfo",
	// "store") so two different producers can never collide on a path.
	Kind string
	Name string
}

// Path renders k into a two-level sharded relative path, avoiding the
// one-huge-directory problem the way Nix's own .build-id/xx/yyyy convention
// and git's object store both do.
func (k Key) Path() string {
	name := k.Name
	shard := "misc"
	if len(name) >= 2 {
		shard = name[:2]
	}
	return filepath.Join(k.Kind, shard, name)
}

// Entry is a materialized, immutable cache hit (spec.md §3, "CacheEntry").
type Entry struct {
	// Root is the absolute filesystem path of the cached tree or file.
	Root string
	// release must be called exactly once when the caller is done reading
	// Root, so the sweeper knows it is safe to evict.
	release func()
}

// Release signals the cache that this entry's content is no longer being
// read. Safe to call from any goroutine, safe to call more than once.
func (e *Entry) Release() {
	if e.release != nil {
		e.release()
	}
}

// Producer materializes a cache entry's content into dir. It must write only
// inside dir (the cache provides an isolated scratch directory per attempt)
// and return an error to abort materialization, in which case dir is
// discarded and never installed.
type Producer func(ctx context.Context, dir string) error

var ErrClosed = errors.New("diskcache: cache is closed")

// Cache is a content-addressed on-disk store with atomic installation and
// time-based expiration, instrumented the way the teacher's pkg/cache
// wrappers register size/hit/miss counters against a prometheus.Registerer.
type Cache struct {
	root string

	mu      sync.Mutex
	closed  bool
	refs    map[string]int
	lastUse map[string]time.Time

	hits    prometheus.Counter
	misses  prometheus.Counter
	evicted prometheus.Counter
}

// New creates a Cache rooted at dir. dir is created if it does not exist.
func New(reg prometheus.Registerer, dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: creating root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: creating tmp dir: %w", err)
	}
	c := &Cache{
		root:    dir,
		refs:    map[string]int{},
		lastUse: map[string]time.Time{},
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debuginfod_diskcache_hits_total",
			Help: "Number of cache lookups that found an existing entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debuginfod_diskcache_misses_total",
			Help: "Number of cache lookups that required materializing a new entry.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debuginfod_diskcache_evicted_total",
			Help: "Number of cache entries removed by the expiration sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.hits, c.misses, c.evicted)
	}
	return c, nil
}

func (c *Cache) path(k Key) string { return filepath.Join(c.root, k.Path()) }

// GetOrInsert returns the cached entry for k, calling produce to materialize
// it if absent. Concurrent GetOrInsert calls for distinct keys proceed
// independently; callers wanting "one producer per key" across goroutines
// compose this with pkg/coalesce, which this package does not itself provide
// (spec.md keeps the cache and the coalescer as separate components, §4.1 vs
// §4.2).
func (c *Cache) GetOrInsert(ctx context.Context, k Key, produce Producer) (*Entry, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	target := c.path(k)

	if _, err := os.Stat(target); err == nil {
		c.hits.Inc()
		return c.acquire(target), nil
	}

	c.misses.Inc()

	tmp := filepath.Join(c.root, ".tmp", uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: creating scratch dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(tmp)
		}
	}()

	if err := produce(ctx, tmp); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: creating parent dir: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		// Another producer may have won the race; that is success too.
		if _, statErr := os.Stat(target); statErr == nil {
			ok = true
			return c.acquire(target), nil
		}
		return nil, fmt.Errorf("diskcache: installing entry: %w", err)
	}
	ok = true
	return c.acquire(target), nil
}

func (c *Cache) acquire(path string) *Entry {
	c.mu.Lock()
	c.refs[path]++
	c.lastUse[path] = time.Now()
	c.mu.Unlock()
	var once sync.Once
	return &Entry{
		Root: path,
		release: func() {
			once.Do(func() {
				c.mu.Lock()
				c.refs[path]--
				if c.refs[path] <= 0 {
					delete(c.refs, path)
				}
				c.mu.Unlock()
			})
		},
	}
}

// Sweep removes entries whose last access is older than maxAge and that have
// no active references. Intended to run on a ticker from an oklog/run.Group
// actor, mirroring how the teacher schedules periodic background work
// alongside its HTTP server and signal handler (cmd/parca-agent/main.go). It
// returns the total size of evicted entries, for callers to log with
// humanize.Bytes the way the teacher logs rlimit/profile sizes.
func (c *Cache) Sweep(ctx context.Context, maxAge time.Duration) (uint64, error) {
	cutoff := time.Now().Add(-maxAge)
	var candidates []string
	c.mu.Lock()
	for path, last := range c.lastUse {
		if last.Before(cutoff) && c.refs[path] == 0 {
			candidates = append(candidates, path)
		}
	}
	c.mu.Unlock()

	var evictedBytes uint64
	for _, path := range candidates {
		select {
		case <-ctx.Done():
			return evictedBytes, ctx.Err()
		default:
		}
		evictedBytes += dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			return evictedBytes, fmt.Errorf("diskcache: evicting %s: %w", path, err)
		}
		c.mu.Lock()
		delete(c.lastUse, path)
		c.mu.Unlock()
		c.evicted.Inc()
	}
	return evictedBytes, nil
}

// dirSize sums the apparent size of every regular file under path. Best
// effort: a file that disappears mid-walk is simply not counted.
func dirSize(path string) uint64 {
	var total uint64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total
}

// Close marks the cache closed; in-flight GetOrInsert calls are unaffected,
// new ones after Close return ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// OpenFile is a convenience for producers that materialize a single file
// rather than a tree, matching the spec's "artifact may be a single file or
// a directory tree" (§3, CacheEntry).
func OpenFile(dir, name string) (io.WriteCloser, error) {
	return os.Create(filepath.Join(dir, name))
}
