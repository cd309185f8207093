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

package substituter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parca-dev/parca-agent/pkg/storepath"
)

// Local is the local: substituter, grounded on
// original_source/src/substituter/local.rs: it scans the local
// /nix/store directly for a "<hash>-<name>-debug" directory whose
// ".build-id/xx/yyyy.debug" member exists, and resolves store paths that are
// already present on disk to the store path itself rather than unpacking a
// NAR — there is nothing to decompress, the content is already a plain
// directory tree.
type Local struct {
	storeDir string

	mu        sync.Mutex
	index     map[storepath.BuildId]string // build-id -> debug output store path
	indexedAt time.Time
	indexMod  time.Time // mtime of storeDir/.links, used to invalidate index
}

// NewLocal constructs a Local substituter rooted at storeDir (NIX_STORE_DIR,
// defaulting to storepath.DefaultStoreDir).
func NewLocal(storeDir string) *Local {
	if storeDir == "" {
		storeDir = storepath.DefaultStoreDir
	}
	return &Local{storeDir: storeDir}
}

func (l *Local) Name() string { return "local:" }

// linksMTime returns the store's .links directory mtime, used as a cheap
// signal that new paths may have been added since the index was built
// (restored from SPEC_FULL.md's "local-store build-id index memoization with
// mtime invalidation" supplement).
func (l *Local) linksMTime() time.Time {
	fi, err := os.Stat(filepath.Join(l.storeDir, ".links"))
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (l *Local) ensureIndex() (map[storepath.BuildId]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mtime := l.linksMTime()
	if l.index != nil && mtime.Equal(l.indexMod) {
		return l.index, nil
	}

	entries, err := os.ReadDir(l.storeDir)
	if err != nil {
		return nil, fmt.Errorf("substituter: local: reading store dir: %w", err)
	}
	index := map[storepath.BuildId]string{}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		sp, err := storepath.Parse(l.storeDir, filepath.Join(l.storeDir, name))
		if err != nil || !sp.IsDebugOutput() {
			continue
		}
		buildIDRoot := filepath.Join(l.storeDir, name, "lib", "debug", ".build-id")
		buildIDs, err := scanBuildIDDir(buildIDRoot)
		if err != nil {
			continue
		}
		for _, id := range buildIDs {
			index[id] = sp.Absolute()
		}
	}

	l.index = index
	l.indexedAt = time.Now()
	l.indexMod = mtime
	return index, nil
}

// scanBuildIDDir walks a .build-id/xx/yyyy.debug tree and returns every
// build-id with a .debug member present.
func scanBuildIDDir(root string) ([]storepath.BuildId, error) {
	prefixes, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []storepath.BuildId
	for _, p := range prefixes {
		if !p.IsDir() || len(p.Name()) != 2 {
			continue
		}
		rests, err := os.ReadDir(filepath.Join(root, p.Name()))
		if err != nil {
			continue
		}
		for _, r := range rests {
			name := r.Name()
			const suffix = ".debug"
			if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
				continue
			}
			rest := name[:len(name)-len(suffix)]
			if id, err := storepath.ParseBuildId(p.Name() + rest); err == nil {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (l *Local) DebugInfoRedirect(ctx context.Context, id storepath.BuildId) (DebugInfoRedirect, error) {
	index, err := l.ensureIndex()
	if err != nil {
		return DebugInfoRedirect{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	storePath, ok := index[id]
	if !ok {
		return DebugInfoRedirect{}, ErrNotFound
	}
	prefix, rest, err := id.SplitForIndex()
	if err != nil {
		return DebugInfoRedirect{}, ErrNotFound
	}
	return DebugInfoRedirect{
		Archive: storePath,
		Member:  filepath.Join("lib", "debug", ".build-id", prefix, rest+".debug"),
	}, nil
}

// FetchStorePath is not expected to be called for Local: ResolveLocalPath
// short-circuits the caller before a NAR fetch would ever be attempted.
func (l *Local) FetchStorePath(ctx context.Context, path storepath.StorePath) (Stream, string, error) {
	if _, err := os.Stat(path.Absolute()); err != nil {
		return Stream{}, "", ErrNotFound
	}
	return Stream{}, "", fmt.Errorf("substituter: local: %w: use ResolveLocalPath instead", ErrNotFound)
}

// ResolveLocalPath implements LocalShortCircuit.
func (l *Local) ResolveLocalPath(ctx context.Context, path storepath.StorePath) (string, bool, error) {
	if _, err := os.Stat(path.Absolute()); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("substituter: local: %w: %v", ErrTransient, err)
	}
	return path.Absolute(), true, nil
}
