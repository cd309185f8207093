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
	"fmt"
	"net/http"
	"strings"
)

// FromURL builds a Substituter from one --substituter flag value, dispatched
// by scheme exactly as original_source/src/substituter/mod.rs's
// substituter_from_url does: "local:" for the local store, "file://" for a
// filesystem-backed cache, "http://"/"https://" for a remote cache.
func FromURL(raw string, client *http.Client) (Substituter, error) {
	switch {
	case raw == "local:" || strings.HasPrefix(raw, "local:"):
		storeDir := strings.TrimPrefix(raw, "local:")
		return NewLocal(storeDir), nil
	case strings.HasPrefix(raw, "file://"):
		return NewFile(strings.TrimPrefix(raw, "file://")), nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return NewHTTP(raw, client), nil
	default:
		return nil, fmt.Errorf("substituter: unrecognized URL scheme in %q", raw)
	}
}
