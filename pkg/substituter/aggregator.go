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
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-agent/pkg/storepath"
)

// Aggregator tries a fixed, ordered list of substituters, stopping at the
// first hit (spec.md §4.4's "first configured substituter to answer wins").
// A transient error from one substituter is logged and does not mask a hit
// from the next one in the list; ErrNotFound from every substituter is the
// only way to return ErrNotFound overall.
type Aggregator struct {
	subs   []Substituter
	logger log.Logger
}

func NewAggregator(logger log.Logger, subs ...Substituter) *Aggregator {
	return &Aggregator{subs: subs, logger: logger}
}

func (a *Aggregator) DebugInfoRedirect(ctx context.Context, id storepath.BuildId) (DebugInfoRedirect, Substituter, error) {
	var lastErr error
	for _, s := range a.subs {
		redirect, err := s.DebugInfoRedirect(ctx, id)
		if err == nil {
			return redirect, s, nil
		}
		if errors.Is(err, ErrNotFound) {
			level.Debug(a.logger).Log("msg", "build-id not found in substituter", "substituter", s.Name(), "build_id", id)
			continue
		}
		level.Warn(a.logger).Log("msg", "substituter returned a transient error", "substituter", s.Name(), "build_id", id, "err", err)
		lastErr = err
	}
	if lastErr != nil {
		return DebugInfoRedirect{}, nil, lastErr
	}
	return DebugInfoRedirect{}, nil, ErrNotFound
}

func (a *Aggregator) FetchStorePath(ctx context.Context, path storepath.StorePath) (Stream, string, Substituter, error) {
	var lastErr error
	for _, s := range a.subs {
		stream, compression, err := s.FetchStorePath(ctx, path)
		if err == nil {
			return stream, compression, s, nil
		}
		if errors.Is(err, ErrNotFound) {
			level.Debug(a.logger).Log("msg", "store path not found in substituter", "substituter", s.Name(), "path", path)
			continue
		}
		level.Warn(a.logger).Log("msg", "substituter returned a transient error", "substituter", s.Name(), "path", path, "err", err)
		lastErr = err
	}
	if lastErr != nil {
		return Stream{}, "", nil, lastErr
	}
	return Stream{}, "", nil, ErrNotFound
}

// Substituters returns the configured backend list, in priority order.
func (a *Aggregator) Substituters() []Substituter { return a.subs }
