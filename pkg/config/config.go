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

// Package config loads the optional YAML overlay of CLI flags (SPEC_FULL.md
// §2 ambient stack). It is the teacher's own config.Load/LoadFile pattern
// (pkg/config/config.go), generalized from a relabel-rules config to this
// module's substituter list, cache directory, and expiration settings.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the settings that may be overlaid onto CLI flags from a YAML
// file (spec.md §6, EXTERNAL INTERFACES).
type Config struct {
	// Substituters is the ordered list of substituter URLs, the same shape
	// as the repeatable --substituter flag.
	Substituters []string `yaml:"substituters,omitempty"`
	// CacheDir is the root of the on-disk content-addressed cache.
	CacheDir string `yaml:"cache_dir,omitempty"`
	// Expiration is a duration string in time.ParseDuration syntax (e.g.
	// "24h"). A value in another form, such as "1 day", is not parsed: the
	// overlay in cmd/debuginfod-nix ignores it and keeps the flag's value.
	Expiration string `yaml:"expiration,omitempty"`
	// ListenAddress is the debuginfod HTTP surface's bind address.
	ListenAddress string `yaml:"listen_address,omitempty"`
	// NixStoreDir overrides storepath.DefaultStoreDir.
	NixStoreDir string `yaml:"nix_store_dir,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
