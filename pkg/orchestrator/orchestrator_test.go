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

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-agent/pkg/diskcache"
	"github.com/parca-dev/parca-agent/pkg/storepath"
	"github.com/parca-dev/parca-agent/pkg/substituter"
)

func TestOrchestratorDebuginfoLocalShortCircuit(t *testing.T) {
	storeDir := t.TempDir()
	storePath := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-gnumake-4.4.1-debug"
	require.NoError(t, os.MkdirAll(filepath.Join(storeDir, storePath, "lib", "debug"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, storePath, "lib", "debug", "foo.debug"), []byte("debug-content"), 0o644))

	local := substituter.NewLocal(storeDir)
	agg := substituter.NewAggregator(log.NewNopLogger(), fakeLocalRedirect{
		Local:    local,
		archive:  filepath.Join(storeDir, storePath),
		member:   "lib/debug/foo.debug",
	})

	cache, err := diskcache.New(nil, t.TempDir())
	require.NoError(t, err)

	o := New(log.NewNopLogger(), cache, agg, storeDir)

	id, err := storepath.ParseBuildId("d1b25b63b3edc63832fd885e4b997f8a463ea573")
	require.NoError(t, err)

	path, err := o.Debuginfo(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(storeDir, storePath, "lib/debug/foo.debug"), path)
}

// fakeLocalRedirect wraps a real *substituter.Local to serve a fixed
// DebugInfoRedirect regardless of build-id, exercising the short-circuit
// path in Orchestrator.materializeDebugOutput without depending on the
// Local index scan's on-disk layout assumptions.
type fakeLocalRedirect struct {
	*substituter.Local
	archive string
	member  string
}

func (f fakeLocalRedirect) DebugInfoRedirect(ctx context.Context, id storepath.BuildId) (substituter.DebugInfoRedirect, error) {
	return substituter.DebugInfoRedirect{Archive: f.archive, Member: f.member}, nil
}

func TestOrchestratorExecutableNotFoundWithoutSymlink(t *testing.T) {
	storeDir := t.TempDir()
	storePath := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-gnumake-4.4.1-debug"
	require.NoError(t, os.MkdirAll(filepath.Join(storeDir, storePath, "lib", "debug"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, storePath, "lib", "debug", "foo.debug"), []byte("debug-content"), 0o644))

	local := substituter.NewLocal(storeDir)
	agg := substituter.NewAggregator(log.NewNopLogger(), fakeLocalRedirect{
		Local:   local,
		archive: filepath.Join(storeDir, storePath),
		member:  "lib/debug/foo.debug",
	})
	cache, err := diskcache.New(nil, t.TempDir())
	require.NoError(t, err)
	o := New(log.NewNopLogger(), cache, agg, storeDir)

	id, err := storepath.ParseBuildId("d1b25b63b3edc63832fd885e4b997f8a463ea573")
	require.NoError(t, err)

	_, err = o.Executable(context.Background(), id)
	require.ErrorIs(t, err, substituter.ErrNotFound)
}

// countingNarInfoLookup wraps a Substituter and counts LookupNarInfo calls,
// used to assert Orchestrator.lookupDeriver memoizes across repeated calls
// for the same store path (SPEC_FULL.md §4.1's secondary memoization layer).
type countingNarInfoLookup struct {
	substituter.Substituter
	deriver string
	calls   int
}

func (c *countingNarInfoLookup) LookupNarInfo(ctx context.Context, path storepath.StorePath) (string, error) {
	c.calls++
	return c.deriver, nil
}

func TestOrchestratorLookupDeriverIsMemoized(t *testing.T) {
	storeDir := t.TempDir()
	cacheDir := t.TempDir()
	cache, err := diskcache.New(nil, cacheDir)
	require.NoError(t, err)

	o := New(log.NewNopLogger(), cache, substituter.NewAggregator(log.NewNopLogger()), storeDir)

	sp, err := storepath.Parse(storeDir, filepath.Join(storeDir, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-gnumake-4.4.1"))
	require.NoError(t, err)

	lookup := &countingNarInfoLookup{deriver: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-gnumake-4.4.1.drv"}

	deriver1, err := o.lookupDeriver(context.Background(), lookup, sp)
	require.NoError(t, err)
	deriver2, err := o.lookupDeriver(context.Background(), lookup, sp)
	require.NoError(t, err)

	require.Equal(t, lookup.deriver, deriver1)
	require.Equal(t, deriver1, deriver2)
	require.Equal(t, 1, lookup.calls, "second lookup should be served from the memoization cache")
}
