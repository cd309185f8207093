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

package sourceresolve

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-agent/pkg/derivation"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestResolveViaDerivation(t *testing.T) {
	srcRoot := t.TempDir()
	writeTree(t, srcRoot, map[string]string{"src/main.c": "int main() {}"})

	drv := &derivation.Derivation{Env: map[string]string{"name": "foo-1.0", "src": "/nix/store/xxx-foo-1.0.tar.gz"}}

	r := &Resolver{
		LoadDerivation: func(ctx context.Context, drvPath string) (*derivation.Derivation, error) {
			return drv, nil
		},
		FetchSourceTree: func(ctx context.Context, d *derivation.Derivation) (string, error) {
			return srcRoot, nil
		},
	}

	loc, err := r.Resolve(context.Background(), "/nix/store/xxx-foo-1.0.drv", "/build/foo-1.0/src/main.c", nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(srcRoot, "src", "main.c"), loc.AbsolutePath)
}

func TestResolveViaDerivationHonorsExplicitSourceRoot(t *testing.T) {
	srcRoot := t.TempDir()
	// FetchSourceTree materializes the fetched `src` already cd'd into its
	// sourceRoot (the same invariant the tarball unpack path establishes by
	// stripping the archive's leading directory), so the package-name
	// marker ("systemd-256") would never match this tree — only the
	// explicit sourceRoot ("source") does.
	writeTree(t, srcRoot, map[string]string{"src/core/main.c": "int main() {}"})

	drv := &derivation.Derivation{Env: map[string]string{
		"name":       "systemd-256",
		"src":        "/nix/store/xxx-systemd-256-source",
		"sourceRoot": "source",
	}}

	r := &Resolver{
		LoadDerivation: func(ctx context.Context, drvPath string) (*derivation.Derivation, error) {
			return drv, nil
		},
		FetchSourceTree: func(ctx context.Context, d *derivation.Derivation) (string, error) {
			return srcRoot, nil
		},
	}

	loc, err := r.Resolve(context.Background(), "/nix/store/xxx-systemd-256.drv", "/build/source/src/core/main.c", nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(srcRoot, "src", "core", "main.c"), loc.AbsolutePath)
}

func TestResolveFallsBackToBestMatchUsingFetchedSourceTree(t *testing.T) {
	srcRoot := t.TempDir()
	// The materialized tree doesn't contain wantPath's exact relative path
	// (e.g. the derivation's sourceRoot guess was wrong), but does contain a
	// uniquely-tailed match the best-match fallback can still find.
	writeTree(t, srcRoot, map[string]string{"unexpected/nested/src/main.c": "int main() {}"})

	drv := &derivation.Derivation{Env: map[string]string{"name": "foo-1.0", "src": "/nix/store/xxx-foo-1.0.tar.gz"}}

	r := &Resolver{
		LoadDerivation: func(ctx context.Context, drvPath string) (*derivation.Derivation, error) {
			return drv, nil
		},
		FetchSourceTree: func(ctx context.Context, d *derivation.Derivation) (string, error) {
			return srcRoot, nil
		},
	}

	loc, err := r.Resolve(context.Background(), "/nix/store/xxx-foo-1.0.drv", "/build/foo-1.0/src/main.c", nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(srcRoot, "unexpected", "nested", "src", "main.c"), loc.AbsolutePath)
}

func TestApplyPatchesWarnsOnUnsupportedHook(t *testing.T) {
	root := t.TempDir()
	var buf bytes.Buffer
	drv := &derivation.Derivation{Env: map[string]string{
		"name":     "foo-1.0",
		"prePatch": "sed -i 's/a/b/' configure.ac",
	}}

	r := &Resolver{Logger: log.NewLogfmtLogger(&buf)}
	require.NoError(t, r.applyPatches(context.Background(), drv, root))
	require.Contains(t, buf.String(), "unsupported patch hook")
	require.Contains(t, buf.String(), "prePatch")
}

func TestApplyPatchesSkipsRecognizedNoopHooks(t *testing.T) {
	root := t.TempDir()
	var buf bytes.Buffer
	drv := &derivation.Derivation{Env: map[string]string{
		"name":      "foo-1.0",
		"prePatch":  "true",
		"postPatch": ":",
	}}

	r := &Resolver{Logger: log.NewLogfmtLogger(&buf)}
	require.NoError(t, r.applyPatches(context.Background(), drv, root))
	require.Empty(t, buf.String())
}

func TestResolveViaBestMatchPrefersUniqueTail(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"pkg/src/foo/main.c":   "a",
		"pkg/other/unrelated.c": "b",
	})

	r := &Resolver{}
	loc, err := r.Resolve(context.Background(), "", "/build/widget/foo/main.c", []string{root})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "pkg", "src", "foo", "main.c"), loc.AbsolutePath)
}

func TestResolveViaBestMatchAmbiguous(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a/foo/main.c": "a",
		"b/foo/main.c": "b",
	})

	r := &Resolver{}
	_, err := r.Resolve(context.Background(), "", "/build/widget/foo/main.c", []string{root})
	var ambiguous *ErrAmbiguousMatch
	require.ErrorAs(t, err, &ambiguous)
}

func TestResolveViaBestMatchPrefersOverlayOnUniqueMatch(t *testing.T) {
	source := t.TempDir()
	overlay := t.TempDir()
	writeTree(t, source, map[string]string{"foo/main.c": "original"})
	writeTree(t, overlay, map[string]string{"foo/main.c": "patched"})

	r := &Resolver{}
	loc, err := r.Resolve(context.Background(), "", "/build/widget/foo/main.c", []string{source, overlay})
	require.NoError(t, err)
	require.True(t, loc.FromOverlay)
	require.Equal(t, filepath.Join(overlay, "foo", "main.c"), loc.AbsolutePath)
}

func TestResolveNotFound(t *testing.T) {
	root := t.TempDir()
	r := &Resolver{}
	_, err := r.Resolve(context.Background(), "", "/build/widget/missing.c", []string{root})
	require.ErrorIs(t, err, ErrNotFound)
}
