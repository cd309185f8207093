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

// Package sourceresolve maps a DWARF-reported source path to the file that
// actually produced it (spec.md §4.6). It runs the derivation-driven
// algorithm spec.md §4.6 specifies as primary — deriver -> .drv -> src input
// -> patch replay — and falls back to the filename-best-match heuristic
// original_source/src/source_selection.rs uses when no deriver is known
// (SPEC_FULL.md §4.6a).
package sourceresolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-agent/pkg/derivation"
)

// ErrNotFound is returned when no candidate source file could be located by
// either algorithm.
var ErrNotFound = errors.New("sourceresolve: source not found")

// ErrAmbiguousMatch is returned by the filename-best-match fallback when two
// or more candidates tie for best match, mirroring
// original_source/src/source_selection.rs's "cannot tell {:?} apart" bail.
type ErrAmbiguousMatch struct {
	Target     string
	Candidates []string
}

func (e *ErrAmbiguousMatch) Error() string {
	return fmt.Sprintf("sourceresolve: cannot tell %v apart for target %s", e.Candidates, e.Target)
}

// SourceLocation is a resolved answer (spec.md §3).
type SourceLocation struct {
	// AbsolutePath is the resolved file on disk.
	AbsolutePath string
	// FromOverlay reports whether the match came from the patched/overlay
	// tree rather than the pristine unpacked source.
	FromOverlay bool
}

// DerivationLoader fetches and parses the .drv for a deriver store path.
type DerivationLoader func(ctx context.Context, drvPath string) (*derivation.Derivation, error)

// SourceTreeFetcher materializes a derivation's `src` input (already
// unpacked, patches not yet applied) into a local directory and returns its
// root.
type SourceTreeFetcher func(ctx context.Context, drv *derivation.Derivation) (root string, err error)

// PatchFetcher fetches the raw bytes of one patch referenced by a
// derivation's `patches` env var.
type PatchFetcher func(ctx context.Context, patchStorePath string) ([]byte, error)

// Resolver resolves DWARF source paths using the two algorithms described in
// SPEC_FULL.md §4.6a.
type Resolver struct {
	LoadDerivation  DerivationLoader
	FetchSourceTree SourceTreeFetcher
	FetchPatch      PatchFetcher
	// Logger receives a warning when prePatch/postPatch isn't a recognized
	// no-op sentinel (spec.md §4.6 step 6); nil disables logging.
	Logger log.Logger
}

// Resolve finds wantPath (as reported by a DWARF compile unit, e.g.
// "/build/foo-1.0/src/main.c") given the deriver of the binary it came from.
// If deriver is empty, only the filename-best-match fallback runs.
func (r *Resolver) Resolve(ctx context.Context, deriver string, wantPath string, candidateRoots []string) (SourceLocation, error) {
	if deriver != "" {
		loc, root, err := r.resolveViaDerivation(ctx, deriver, wantPath)
		if err == nil {
			return loc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return SourceLocation{}, err
		}
		// The deriver-driven algorithm couldn't pin down wantPath exactly,
		// but if it got as far as materializing a source tree, that tree is
		// a candidate for the filename-best-match fallback (SPEC_FULL.md
		// §4.6a) rather than discarding the work and returning not-found
		// outright.
		if root != "" {
			candidateRoots = append(candidateRoots, root)
		}
	}
	return r.resolveViaBestMatch(wantPath, candidateRoots)
}

// resolveViaDerivation implements spec.md §4.6's primary algorithm: load the
// deriver's .drv, fetch its `src` input, replay `patches` (honoring
// `prePatch`/`postPatch` sentinels), then locate wantPath's tail within the
// patched tree. The materialized root is returned even on an ErrNotFound
// miss so the caller can offer it to the best-match fallback.
func (r *Resolver) resolveViaDerivation(ctx context.Context, deriver string, wantPath string) (SourceLocation, string, error) {
	if r.LoadDerivation == nil || r.FetchSourceTree == nil {
		return SourceLocation{}, "", ErrNotFound
	}
	drv, err := r.LoadDerivation(ctx, deriver)
	if err != nil {
		return SourceLocation{}, "", fmt.Errorf("sourceresolve: loading deriver: %w", err)
	}
	if _, ok := drv.Src(); !ok {
		return SourceLocation{}, "", ErrNotFound
	}

	root, err := r.FetchSourceTree(ctx, drv)
	if err != nil {
		return SourceLocation{}, "", fmt.Errorf("sourceresolve: fetching source tree: %w", err)
	}

	if err := r.applyPatches(ctx, drv, root); err != nil {
		return SourceLocation{}, root, fmt.Errorf("sourceresolve: applying patches: %w", err)
	}

	rel := relativeToSourceRoot(drv, wantPath)
	full := filepath.Join(root, rel)
	if _, err := os.Stat(full); err != nil {
		return SourceLocation{}, root, ErrNotFound
	}
	return SourceLocation{AbsolutePath: full, FromOverlay: len(drv.Patches()) > 0}, root, nil
}

// applyPatches replays each patch named in drv.Patches() in order onto root,
// bracketed by prePatch/postPatch (spec.md §4.6 step 6): a hook whose body
// is a recognized shell no-op is silently skipped, any other hook body is
// left unapplied and logged as a warning, since the resolver only replays
// literal unified diffs and does not interpret shell (spec.md "Patch replay
// fidelity").
func (r *Resolver) applyPatches(ctx context.Context, drv *derivation.Derivation, root string) error {
	r.warnUnsupportedHook(drv, "prePatch", drv.PrePatch())

	if r.FetchPatch != nil {
		for _, p := range drv.Patches() {
			data, err := r.FetchPatch(ctx, p)
			if err != nil {
				return fmt.Errorf("fetching patch %s: %w", p, err)
			}
			files, _, err := gitdiff.Parse(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parsing patch %s: %w", p, err)
			}
			for _, f := range files {
				if err := applyFilePatch(root, f); err != nil {
					return fmt.Errorf("applying patch %s to %s: %w", p, f.NewName, err)
				}
			}
		}
	}

	r.warnUnsupportedHook(drv, "postPatch", drv.PostPatch())
	return nil
}

// warnUnsupportedHook logs when hook's body is neither empty nor a
// recognized no-op sentinel, since the resolver returns the source
// unpatched in that case rather than interpreting the shell snippet.
func (r *Resolver) warnUnsupportedHook(drv *derivation.Derivation, hook, body string) {
	if isShellNoop(body) || r.Logger == nil {
		return
	}
	level.Warn(r.Logger).Log(
		"msg", "unsupported patch hook, returning source unpatched for this hook",
		"derivation", drv.Name(), "hook", hook,
	)
}

func applyFilePatch(root string, f *gitdiff.File) error {
	if f.IsDelete {
		return os.Remove(filepath.Join(root, f.OldName))
	}
	name := f.NewName
	if name == "" {
		name = f.OldName
	}
	target := filepath.Join(root, name)

	var original io.ReaderAt
	if f.IsNew {
		original = bytes.NewReader(nil)
	} else {
		src, err := os.Open(filepath.Join(root, f.OldName))
		if err != nil {
			return err
		}
		defer src.Close()
		original = src
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, original, f); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, out.Bytes(), 0o644)
}

// isShellNoop recognizes the common "do nothing" shell idioms Nix build
// scripts use when a hook is present but intentionally empty, e.g. `true`,
// `:`, or blank. It is a literal-string matcher, not a shell interpreter
// (spec.md §4.6 step 6 explicitly scopes this out).
func isShellNoop(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == ":" || s == "true"
}

// relativeToSourceRoot strips the build-time absolute prefix from a
// DWARF-reported path (spec.md §4.6 step 7). An explicit $sourceRoot takes
// priority when the derivation sets one (e.g. a `source` subdirectory
// unrelated to the package name); otherwise it strips the generic
// "/build/<first-component>/" sandbox prefix every Nix build runs under,
// since the directory Nix actually `cd`s into need not match the
// derivation's `name` (a tarball's own top-level directory, or an
// explicitly named source subdirectory, routinely differs). Falls back to
// the package-name marker, then a bare leading-slash trim, for paths
// recorded without the sandboxed /build prefix.
func relativeToSourceRoot(drv *derivation.Derivation, wantPath string) string {
	if root := drv.SourceRoot(); root != "" {
		marker := "/" + root + "/"
		if idx := strings.Index(wantPath, marker); idx != -1 {
			return wantPath[idx+len(marker):]
		}
	}

	const buildPrefix = "/build/"
	if idx := strings.Index(wantPath, buildPrefix); idx != -1 {
		rest := wantPath[idx+len(buildPrefix):]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[slash+1:]
		}
		return ""
	}

	name := drv.Name()
	marker := "/" + name + "/"
	if idx := strings.Index(wantPath, marker); idx != -1 {
		return wantPath[idx+len(marker):]
	}
	return strings.TrimPrefix(wantPath, "/")
}

// resolveViaBestMatch implements the original's filename-tail-matching
// fallback: walk every root in candidateRoots (pristine source first, then
// any overlay/patched roots later in the slice so overlay entries are
// preferred on a tie-break only when they are the unique best match),
// scoring each file by how many trailing path components it shares with
// wantPath, and erroring if more than one file ties for the best score.
func (r *Resolver) resolveViaBestMatch(wantPath string, candidateRoots []string) (SourceLocation, error) {
	wantTail := splitPath(wantPath)

	type candidate struct {
		path      string
		rel       string
		score     int
		isOverlay bool
	}
	// byRel collapses a file that exists at the same relative path in both
	// the pristine source and an overlay into one candidate (the overlay
	// copy wins), so ambiguity is only raised for genuinely different files
	// tying on match score — matching original_source/src/source_selection.rs,
	// where an overlay entry replaces its source counterpart rather than
	// competing with it.
	byRel := map[string]candidate{}

	for i, root := range candidateRoots {
		isOverlay := i > 0 // convention: root 0 is pristine source, others are overlays
		_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return nil
			}
			score := matchingMeasure(wantTail, splitPath(rel))
			if score == 0 {
				return nil
			}
			existing, ok := byRel[rel]
			if !ok || isOverlay || score > existing.score {
				byRel[rel] = candidate{path: p, rel: rel, score: score, isOverlay: isOverlay || existing.isOverlay}
			}
			return nil
		})
	}

	bestScore := -1
	var best []candidate
	for _, c := range byRel {
		switch {
		case c.score > bestScore:
			bestScore = c.score
			best = []candidate{c}
		case c.score == bestScore:
			best = append(best, c)
		}
	}

	if len(best) == 0 {
		return SourceLocation{}, ErrNotFound
	}
	if len(best) > 1 {
		paths := make([]string, len(best))
		for i, c := range best {
			paths[i] = c.path
		}
		return SourceLocation{}, &ErrAmbiguousMatch{Target: wantPath, Candidates: paths}
	}
	return SourceLocation{AbsolutePath: best[0].path, FromOverlay: best[0].isOverlay}, nil
}

// splitPath splits a slash path into components, ignoring empties.
func splitPath(p string) []string {
	p = filepath.ToSlash(p)
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// matchingMeasure scores how many trailing components two path component
// slices share, mirroring original_source/src/source_selection.rs's
// matching_measure/best_matching_measure.
func matchingMeasure(want, got []string) int {
	score := 0
	for i := 1; i <= len(want) && i <= len(got); i++ {
		if want[len(want)-i] != got[len(got)-i] {
			break
		}
		score++
	}
	return score
}
