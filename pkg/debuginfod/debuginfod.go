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

// Package debuginfod implements the debuginfod HTTP surface (spec.md §4.7):
// routes are registered on a stdlib net/http.ServeMux using Go 1.22's
// method+pattern syntax, the way cmd/parca-agent/main.go builds its mux by
// hand — no router dependency appears anywhere in the retrieved example pack
// for a plain request router.
package debuginfod

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-agent/pkg/storepath"
	"github.com/parca-dev/parca-agent/pkg/substituter"
)

// ErrNotFound and ErrTransient are re-exported from pkg/substituter so
// callers of this package don't need to import it just to compare errors;
// the HTTP surface maps the same two failure classes substituters report
// (spec.md §7) to 404 and 503 respectively.
var (
	ErrNotFound  = substituter.ErrNotFound
	ErrTransient = substituter.ErrTransient
)

// Resolver is everything the HTTP surface needs from the orchestrator
// (spec.md §4.8) to answer a request; kept as a narrow interface so handlers
// are testable without a full Orchestrator.
type Resolver interface {
	// Debuginfo resolves a build-id to the local path of its unpacked debug
	// file, materializing it through the cache/coalescer/substituter
	// pipeline as needed.
	Debuginfo(ctx context.Context, id storepath.BuildId) (string, error)
	// Executable resolves a build-id to its executable, by following the
	// .build-id/xx/yyyy.executable symlink inside the resolved debug output
	// (SPEC_FULL.md §4.7a).
	Executable(ctx context.Context, id storepath.BuildId) (string, error)
	// Source resolves a build-id plus a DWARF-reported source path to a
	// local file.
	Source(ctx context.Context, id storepath.BuildId, path string) (string, error)
}

// Server wires Resolver into an *http.ServeMux.
type Server struct {
	resolver Resolver
	logger   log.Logger
}

func NewServer(logger log.Logger, resolver Resolver) *Server {
	return &Server{resolver: resolver, logger: logger}
}

// Register installs every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /buildid/{buildid}/debuginfo", s.handleDebuginfo)
	mux.HandleFunc("GET /buildid/{buildid}/executable", s.handleExecutable)
	mux.HandleFunc("GET /buildid/{buildid}/source/{path...}", s.handleSource)
	mux.HandleFunc("GET /buildid/{buildid}/section/{section}", s.handleSection)
}

func (s *Server) parseBuildID(w http.ResponseWriter, r *http.Request) (storepath.BuildId, bool) {
	id, err := storepath.ParseBuildId(r.PathValue("buildid"))
	if err != nil {
		// A malformed build-id can never match anything this server knows
		// about; spec.md's documented status taxonomy (§7) has no distinct
		// "bad request" category, so this is reported as 404
		// (SPEC_FULL.md §4.7b).
		http.NotFound(w, r)
		return "", false
	}
	return id, true
}

func (s *Server) handleDebuginfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseBuildID(w, r)
	if !ok {
		return
	}
	path, err := s.resolver.Debuginfo(r.Context(), id)
	s.serveFileOrError(w, r, path, err)
}

func (s *Server) handleExecutable(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseBuildID(w, r)
	if !ok {
		return
	}
	path, err := s.resolver.Executable(r.Context(), id)
	s.serveFileOrError(w, r, path, err)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseBuildID(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")
	resolved, err := s.resolver.Source(r.Context(), id, path)
	s.serveFileOrError(w, r, resolved, err)
}

// handleSection reads a single named ELF section out of the resolved debug
// file (SPEC_FULL.md's "section route" supplement).
func (s *Server) handleSection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseBuildID(w, r)
	if !ok {
		return
	}
	name := r.PathValue("section")
	debugPath, err := s.resolver.Debuginfo(r.Context(), id)
	if err != nil {
		s.serveFileOrError(w, r, "", err)
		return
	}

	f, err := elf.Open(debugPath)
	if err != nil {
		level.Error(s.logger).Log("msg", "opening ELF for section read", "build_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	sec := f.Section(name)
	if sec == nil {
		http.NotFound(w, r)
		return
	}
	data, err := sec.Data()
	if err != nil {
		level.Error(s.logger).Log("msg", "reading ELF section", "build_id", id, "section", name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// serveFileOrError streams path to w, or maps err to the status codes
// spec.md §4.7/§7 specify: ErrNotFound -> 404, ErrTransient -> 503,
// anything else -> 500. The response is streamed with io.Copy, never
// buffered in memory (spec.md §5).
func (s *Server) serveFileOrError(w http.ResponseWriter, r *http.Request, path string, err error) {
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, ErrTransient):
			level.Warn(s.logger).Log("msg", "transient failure serving request", "path", r.URL.Path, "err", err)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		default:
			level.Error(s.logger).Log("msg", "internal error serving request", "path", r.URL.Path, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	f, openErr := os.Open(path)
	if openErr != nil {
		level.Error(s.logger).Log("msg", "opening resolved file", "path", path, "err", openErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if fi, statErr := f.Stat(); statErr == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", fi.Size()))
	}
	w.Header().Set("Content-Type", "application/octet-stream")

	if _, err := io.Copy(w, f); err != nil {
		// The client may have disconnected mid-stream (spec.md §7,
		// "client disconnect"); nothing more can be written to w at this
		// point, so this is logged at debug level rather than surfaced as a
		// server error.
		level.Debug(s.logger).Log("msg", "stream interrupted", "path", path, "err", err)
	}
}
