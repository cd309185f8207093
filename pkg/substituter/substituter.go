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

// Package substituter implements the backend abstraction of spec.md §4.4: a
// Substituter resolves a build-id to a debug output, or a store path to its
// NAR content, against one configured Nix binary cache. local:, file:// and
// http(s):// each get their own file grounded on
// original_source/src/substituter/{local,file,http}.rs, with the Go
// implementation following the teacher's idiom for pluggable backends
// (pkg/profiler's per-target strategy structs) rather than the original's
// async trait objects.
package substituter

import (
	"context"
	"errors"
	"io"

	"github.com/parca-dev/parca-agent/pkg/storepath"
)

// ErrNotFound is returned when a substituter positively knows the requested
// build-id or store path does not exist in its cache (an HTTP 404, a missing
// local file). Some paths wrap it with additional detail, so callers compare
// with errors.Is.
var ErrNotFound = errors.New("substituter: not found")

// ErrTransient is returned for failures that may succeed on retry or against
// a different substituter: network errors, 5xx responses, timeouts. Per
// spec.md §7 an ErrTransient from one substituter must not mask a hit from
// the next one in the aggregator's list.
var ErrTransient = errors.New("substituter: transient error")

// DebugInfoRedirect is the small JSON object a file:// or http(s)://
// substituter publishes at debuginfo/<build-id>.debug, resolved directly
// from original_source/src/substituter/mod.rs's DebugInfoRedirectJson. It is
// deliberately not part of pkg/narinfo: this is a distinct wire format, not
// narinfo text (see SPEC_FULL.md §4.4a).
type DebugInfoRedirect struct {
	// Archive is the store path containing the debug output; the
	// orchestrator parses it as a store path for every backend.
	Archive string `json:"archive"`
	// Member is the path of the debug file within the unpacked archive.
	Member string `json:"member"`
}

// Stream is a substituter fetch result: a byte stream plus the total size
// when known up front. The orchestrator does not read Size.
type Stream struct {
	io.ReadCloser
	Size int64 // -1 if unknown
}

// Substituter is one configured Nix binary cache backend.
type Substituter interface {
	// Name identifies this substituter for logging and metrics, e.g. its
	// configured URL.
	Name() string

	// DebugInfoRedirect resolves a build-id to the archive+member location of
	// its debug output. Returns ErrNotFound if this substituter has no such
	// build-id indexed.
	DebugInfoRedirect(ctx context.Context, id storepath.BuildId) (DebugInfoRedirect, error)

	// FetchStorePath streams the NAR content (still compressed, per
	// spec.md §4.3's "decompression is a separate concern") of the named
	// store path. Returns ErrNotFound if the substituter has no narinfo for
	// it.
	FetchStorePath(ctx context.Context, path storepath.StorePath) (Stream, string, error)
}

// NarInfoLookup is implemented by substituters that can answer a structured
// narinfo query directly, used by the source resolver (spec.md §4.6) to
// discover a store path's Deriver without also fetching its NAR content.
type NarInfoLookup interface {
	LookupNarInfo(ctx context.Context, path storepath.StorePath) (deriver string, err error)
}

// LocalShortCircuit is implemented by the synthetic local: backend, which may
// short-circuit decompression/extraction by returning a path directly inside
// /nix/store (spec.md §4.4, "MAY short-circuit for this backend").
type LocalShortCircuit interface {
	// ResolveLocalPath returns an absolute filesystem path directly, when the
	// content is already present on disk uncompressed, skipping the
	// cache/archive pipeline entirely.
	ResolveLocalPath(ctx context.Context, path storepath.StorePath) (string, bool, error)
}
