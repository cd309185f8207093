// Copyright 2022-2024 The Parca Authors
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

// Package logger builds the go-kit/log logger every cmd/ entrypoint in the
// teacher pack constructs via a "logger.NewLogger(level, format, name)" call
// (see cmd/debug-info/main.go); the teacher pack never actually ships this
// package's source, so it is reconstructed here in the same shape the
// call sites expect: leveled logfmt/JSON output with a timestamp and caller.
package logger

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Format selects the wire encoding of log lines.
type Format string

const (
	LogFormatLogfmt Format = "logfmt"
	LogFormatJSON   Format = "json"
)

// NewLogger builds a leveled logger writing to stderr. name, when non-empty,
// is attached as a "component" field so multiple subsystems sharing one
// process (HTTP surface, sweeper, substituter fetches) stay distinguishable.
func NewLogger(logLevel string, format Format, name string) log.Logger {
	var l log.Logger
	switch format {
	case LogFormatJSON:
		l = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	default:
		l = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if name != "" {
		l = log.With(l, "component", name)
	}

	var lvl level.Option
	switch logLevel {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		lvl = level.AllowInfo()
	}
	return level.NewFilter(l, lvl)
}
