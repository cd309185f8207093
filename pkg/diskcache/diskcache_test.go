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

package diskcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrInsertMaterializesOnce(t *testing.T) {
	c, err := New(nil, t.TempDir())
	require.NoError(t, err)

	calls := 0
	produce := func(ctx context.Context, dir string) error {
		calls++
		return os.WriteFile(filepath.Join(dir, "payload"), []byte("hello"), 0o644)
	}

	k := Key{Kind: "debuginfo", Name: "deadbeef"}
	e1, err := c.GetOrInsert(context.Background(), k, produce)
	require.NoError(t, err)
	defer e1.Release()

	data, err := os.ReadFile(filepath.Join(e1.Root, "payload"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	e2, err := c.GetOrInsert(context.Background(), k, produce)
	require.NoError(t, err)
	defer e2.Release()

	require.Equal(t, e1.Root, e2.Root)
	require.Equal(t, 1, calls, "producer must run only on the first miss")
}

func TestGetOrInsertDiscardsOnProducerError(t *testing.T) {
	c, err := New(nil, t.TempDir())
	require.NoError(t, err)

	boom := context.DeadlineExceeded
	_, err = c.GetOrInsert(context.Background(), Key{Kind: "k", Name: "x"}, func(ctx context.Context, dir string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(filepath.Join(c.root, "k"))
	require.True(t, err != nil || len(entries) == 0, "no entry should be installed after a producer error")
}

func TestSweepRemovesOnlyUnreferencedExpiredEntries(t *testing.T) {
	c, err := New(nil, t.TempDir())
	require.NoError(t, err)

	kOld := Key{Kind: "debuginfo", Name: "aaaa"}
	kHeld := Key{Kind: "debuginfo", Name: "bbbb"}
	noop := func(ctx context.Context, dir string) error { return nil }

	eOld, err := c.GetOrInsert(context.Background(), kOld, noop)
	require.NoError(t, err)
	eOld.Release()
	// backdate its last-use so the sweep threshold catches it.
	c.mu.Lock()
	c.lastUse[eOld.Root] = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	eHeld, err := c.GetOrInsert(context.Background(), kHeld, noop)
	require.NoError(t, err)
	c.mu.Lock()
	c.lastUse[eHeld.Root] = time.Now().Add(-time.Hour)
	c.mu.Unlock()
	// eHeld is never released, so it must survive the sweep.

	_, err = c.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)

	_, err = os.Stat(eOld.Root)
	require.True(t, os.IsNotExist(err), "expired, unreferenced entry should be evicted")

	_, err = os.Stat(eHeld.Root)
	require.NoError(t, err, "referenced entry must not be evicted")
}
