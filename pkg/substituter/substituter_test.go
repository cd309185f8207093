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
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-agent/pkg/storepath"
)

const fixtureBuildID = "d1b25b63b3edc63832fd885e4b997f8a463ea573"
const fixtureHash = "7h7qgvs4kgzsy91nabyqand58fps1jff"

func writeFileFixture(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "debuginfo"), 0o755))
	prefix, rest := fixtureBuildID[:2], fixtureBuildID[2:]
	redirect := `{"archive":"` + fixtureHash + `-gnumake-4.4.1-debug","member":"lib/debug/.build-id/` + prefix + `/` + rest + `.debug"}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "debuginfo", fixtureBuildID+".debug"), []byte(redirect), 0o644))

	narinfoText := "StorePath: /nix/store/" + fixtureHash + "-gnumake-4.4.1-debug\n" +
		"URL: nar/abc123.nar.xz\n" +
		"Compression: xz\n" +
		"NarHash: sha256:0000000000000000000000000000000000000000000000000000\n" +
		"NarSize: 4\n" +
		"References: \n"
	require.NoError(t, os.WriteFile(filepath.Join(root, fixtureHash+".narinfo"), []byte(narinfoText), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "nar"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nar", "abc123.nar.xz"), []byte("nar-bytes"), 0o644))
}

func TestFileSubstituterDebugInfoRedirect(t *testing.T) {
	root := t.TempDir()
	writeFileFixture(t, root)

	f := NewFile(root)
	id, err := storepath.ParseBuildId(fixtureBuildID)
	require.NoError(t, err)

	redirect, err := f.DebugInfoRedirect(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, fixtureHash+"-gnumake-4.4.1-debug", redirect.Archive)
}

func TestFileSubstituterMissingBuildIDIsNotFound(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "debuginfo"), 0o755))
	f := NewFile(root)
	id, err := storepath.ParseBuildId("ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	_, err = f.DebugInfoRedirect(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileSubstituterRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	f := NewFile(root)
	_, err := f.resolve("../../etc/passwd")
	require.Error(t, err)
}

func TestFileSubstituterFetchStorePath(t *testing.T) {
	root := t.TempDir()
	writeFileFixture(t, root)
	f := NewFile(root)

	sp, err := storepath.Parse("/nix/store", "/nix/store/"+fixtureHash+"-gnumake-4.4.1-debug")
	require.NoError(t, err)

	stream, compression, err := f.FetchStorePath(context.Background(), sp)
	require.NoError(t, err)
	defer stream.Close()
	require.Equal(t, "xz", compression)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "nar-bytes", string(data))
}

func TestHTTPSubstituterHitAndMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/debuginfo/" + fixtureBuildID + ".debug":
			w.Write([]byte(`{"archive":"x","member":"y"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, srv.Client())
	id, err := storepath.ParseBuildId(fixtureBuildID)
	require.NoError(t, err)

	redirect, err := h.DebugInfoRedirect(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "x", redirect.Archive)

	other, err := storepath.ParseBuildId("0000000000000000000000000000000000000000")
	require.NoError(t, err)
	_, err = h.DebugInfoRedirect(context.Background(), other)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAggregatorFallsThroughToNextOnNotFound(t *testing.T) {
	rootA := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootA, "debuginfo"), 0o755))
	rootB := t.TempDir()
	writeFileFixture(t, rootB)

	agg := NewAggregator(log.NewNopLogger(), NewFile(rootA), NewFile(rootB))
	id, err := storepath.ParseBuildId(fixtureBuildID)
	require.NoError(t, err)

	redirect, winner, err := agg.DebugInfoRedirect(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, NewFile(rootB).Name(), winner.Name())
	require.Equal(t, fixtureHash+"-gnumake-4.4.1-debug", redirect.Archive)
}

func TestFromURLDispatchesByScheme(t *testing.T) {
	s, err := FromURL("file:///tmp/cache", nil)
	require.NoError(t, err)
	require.IsType(t, &File{}, s)

	s, err = FromURL("https://cache.nixos.org", http.DefaultClient)
	require.NoError(t, err)
	require.IsType(t, &HTTP{}, s)

	s, err = FromURL("local:", nil)
	require.NoError(t, err)
	require.IsType(t, &Local{}, s)

	_, err = FromURL("ssh://example.com", nil)
	require.Error(t, err)
}
