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

// Command debuginfod-nix serves the debuginfod HTTP protocol (spec.md §4.7)
// against one or more Nix substituters, grounded on cmd/debug-info/main.go's
// kong-flags-plus-run.Group shape and cmd/parca-agent/main.go's run.Group
// wiring for the HTTP server and signal handling.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parca-dev/parca-agent/pkg/buildinfo"
	"github.com/parca-dev/parca-agent/pkg/config"
	"github.com/parca-dev/parca-agent/pkg/debuginfod"
	"github.com/parca-dev/parca-agent/pkg/diskcache"
	"github.com/parca-dev/parca-agent/pkg/httpclient"
	"github.com/parca-dev/parca-agent/pkg/logger"
	"github.com/parca-dev/parca-agent/pkg/orchestrator"
	"github.com/parca-dev/parca-agent/pkg/storepath"
	"github.com/parca-dev/parca-agent/pkg/substituter"
)

type flags struct {
	LogLevel  string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`

	ConfigFile string `kong:"help='Optional YAML config file overlaying the flags below.',type='path'"`

	Substituter []string      `kong:"help='Substituter URL (local:, file://, http(s)://); repeatable, tried in order.'"`
	CacheDir    string        `kong:"help='Root directory of the on-disk content-addressed cache.',default='/var/cache/debuginfod-nix'"`
	Expiration  time.Duration `kong:"help='Cache entry expiration.',default='72h'"`

	ListenAddress string `kong:"help='debuginfod HTTP surface bind address.',default=':1949'"`
	NixStoreDir   string `kong:"help='Override for NIX_STORE_DIR.'"`

	HTTPClientTimeout time.Duration `kong:"help='Per-attempt timeout for a single substituter HTTP fetch.',default='30s'"`
	SweepInterval     time.Duration `kong:"help='Interval between disk cache expiration sweeps.',default='10m'"`

	SystemdSocketActivation bool `kong:"help='Obtain the HTTP listener via systemd socket activation (LISTEN_FDS) instead of binding ListenAddress.'"`
}

func main() {
	var f flags
	kong.Parse(&f)

	if f.ConfigFile != "" {
		cfg, err := config.LoadFile(f.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config file: %v\n", err)
			os.Exit(1)
		}
		applyConfigOverlay(&f, cfg)
	}

	l := logger.NewLogger(f.LogLevel, logger.Format(f.LogFormat), "debuginfod-nix")
	if bi, err := buildinfo.FetchBuildInfo(); err == nil {
		level.Info(l).Log("msg", "build info", "revision", bi.VcsRevision, "modified", bi.VcsModified, "go_arch", bi.GoArch, "go_os", bi.GoOs)
	}
	level.Info(l).Log("msg", "starting", "substituters", fmt.Sprintf("%v", f.Substituter), "cache_dir", f.CacheDir, "listen_address", f.ListenAddress)

	if err := run_(f, l); err != nil {
		level.Error(l).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
}

// applyConfigOverlay lets a YAML config file supply defaults a flag didn't
// explicitly set, matching the teacher's config-overlays-flags precedent
// (pkg/config's relabel overlay, generalized here to this module's schema).
func applyConfigOverlay(f *flags, cfg *config.Config) {
	if len(cfg.Substituters) > 0 {
		f.Substituter = cfg.Substituters
	}
	if cfg.CacheDir != "" {
		f.CacheDir = cfg.CacheDir
	}
	if cfg.Expiration != "" {
		if d, err := time.ParseDuration(cfg.Expiration); err == nil {
			f.Expiration = d
		}
	}
	if cfg.ListenAddress != "" {
		f.ListenAddress = cfg.ListenAddress
	}
	if cfg.NixStoreDir != "" {
		f.NixStoreDir = cfg.NixStoreDir
	}
}

func run_(f flags, l log.Logger) error {
	if len(f.Substituter) == 0 {
		return fmt.Errorf("at least one --substituter is required")
	}

	if f.NixStoreDir == "" {
		if env := os.Getenv("NIX_STORE_DIR"); env != "" {
			f.NixStoreDir = env
		} else {
			f.NixStoreDir = storepath.DefaultStoreDir
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	client := httpclient.New(reg, f.HTTPClientTimeout)

	subs := make([]substituter.Substituter, 0, len(f.Substituter))
	for _, raw := range f.Substituter {
		s, err := substituter.FromURL(raw, client)
		if err != nil {
			return fmt.Errorf("configuring substituter %q: %w", raw, err)
		}
		subs = append(subs, s)
	}
	aggregator := substituter.NewAggregator(l, subs...)

	cache, err := diskcache.New(reg, f.CacheDir)
	if err != nil {
		return fmt.Errorf("opening disk cache at %q: %w", f.CacheDir, err)
	}
	defer cache.Close()

	orch := orchestrator.New(l, cache, aggregator, f.NixStoreDir)
	server := debuginfod.NewServer(l, orch)

	mux := http.NewServeMux()
	server.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // debug file/NAR downloads can be large and slow; bound per-attempt fetches upstream instead.
	}

	listener, err := newListener(f)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Add(func() error {
		level.Debug(l).Log("msg", "starting: http server", "addr", listener.Addr().String())
		defer level.Debug(l).Log("msg", "stopped: http server")
		err := httpServer.Serve(listener)
		if err != nil && err == http.ErrServerClosed {
			return nil
		}
		return err
	}, func(error) {
		httpServer.Shutdown(context.Background())
	})

	g.Add(func() error {
		level.Debug(l).Log("msg", "starting: cache sweeper", "interval", f.SweepInterval, "expiration", f.Expiration)
		defer level.Debug(l).Log("msg", "stopped: cache sweeper")

		ticker := time.NewTicker(f.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				evicted, err := cache.Sweep(ctx, f.Expiration)
				if err != nil {
					level.Warn(l).Log("msg", "cache sweep failed", "err", err)
					continue
				}
				if evicted > 0 {
					level.Info(l).Log("msg", "cache sweep evicted entries", "size", humanize.Bytes(evicted))
				}
			}
		}
	}, func(error) {
		cancel()
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt, os.Kill))

	return g.Run()
}

// newListener binds ListenAddress, or adopts a systemd-activated socket on
// fd 3 when --systemd-socket-activation is set (SPEC_FULL.md EXTERNAL
// INTERFACES supplement) — grounded on systemd's sd_listen_fds(3) contract:
// LISTEN_PID must match this process and LISTEN_FDS must be at least 1.
func newListener(f flags) (net.Listener, error) {
	if !f.SystemdSocketActivation {
		return net.Listen("tcp", f.ListenAddress)
	}

	pid, err := strconv.Atoi(os.Getenv("LISTEN_PID"))
	if err != nil || pid != os.Getpid() {
		return nil, fmt.Errorf("systemd socket activation: LISTEN_PID does not match this process")
	}
	nfds, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || nfds < 1 {
		return nil, fmt.Errorf("systemd socket activation: LISTEN_FDS missing or zero")
	}
	const firstActivationFD = 3
	fh := os.NewFile(uintptr(firstActivationFD), "systemd-socket")
	listener, err := net.FileListener(fh)
	if err != nil {
		return nil, fmt.Errorf("systemd socket activation: %w", err)
	}
	return listener, nil
}
