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

package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestSniffCodec(t *testing.T) {
	cases := map[string]Codec{
		"nar.xz":       CodecXZ,
		"nar.zst":      CodecZstd,
		"nar.bz2":      CodecBzip2,
		"nar.gz":       CodecGzip,
		"nar":          CodecNone,
		"foo.tar":      CodecNone,
	}
	for name, want := range cases {
		require.Equal(t, want, SniffCodec(name), name)
	}
}

func TestDecompressGzipAndWalkTar(t *testing.T) {
	data := buildTarGz(t, map[string]string{
		"hello.txt": "hello world",
		"nested/a":  "aaa",
	})

	r, closeFn, err := Decompress(bytes.NewReader(data), CodecGzip)
	require.NoError(t, err)
	defer closeFn()

	seen := map[string]string{}
	err = WalkTar(r, func(e Entry) error {
		if e.IsDir {
			return nil
		}
		buf := new(bytes.Buffer)
		_, err := buf.ReadFrom(e.Reader)
		if err != nil {
			return err
		}
		seen[e.Path] = buf.String()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "hello world", seen["hello.txt"])
	require.Equal(t, "aaa", seen["nested/a"])
}

func TestExtractToTar(t *testing.T) {
	data := buildTarGz(t, map[string]string{"a/b.txt": "contents"})
	r, closeFn, err := Decompress(bytes.NewReader(data), CodecGzip)
	require.NoError(t, err)
	defer closeFn()

	dest := t.TempDir()
	err = ExtractTo(dest, func(fn WalkFunc) error {
		return WalkTar(r, fn)
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "contents", string(got))
}

func TestSniffFormat(t *testing.T) {
	cases := map[string]ArchiveFormat{
		"make-4.4.1.tar.gz":  FormatTar,
		"make-4.4.1.tgz":     FormatTar,
		"make-4.4.1.tar.xz":  FormatTar,
		"make-4.4.1.tar.bz2": FormatTar,
		"make-4.4.1.tbz2":    FormatTar,
		"make-4.4.1.tar":     FormatTar,
		"widget.zip":         FormatZip,
		"foo.gz":             FormatNone,
		"README":             FormatNone,
	}
	for name, want := range cases {
		require.Equal(t, want, SniffFormat(name), name)
	}
}

func TestUnpackSingleFileArchiveStripsLeadingComponent(t *testing.T) {
	data := buildTarGz(t, map[string]string{
		"make-4.4.1/src/main.c":   "int main() {}",
		"make-4.4.1/README":       "readme",
		"make-4.4.1/src/sub/a.c":  "a",
	})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "make-4.4.1.tar.gz"), data, 0o644))

	require.NoError(t, UnpackSingleFileArchive(dir))

	got, err := os.ReadFile(filepath.Join(dir, "src", "main.c"))
	require.NoError(t, err)
	require.Equal(t, "int main() {}", string(got))

	got, err = os.ReadFile(filepath.Join(dir, "src", "sub", "a.c"))
	require.NoError(t, err)
	require.Equal(t, "a", string(got))

	// the raw archive blob is replaced by its unpacked contents.
	_, err = os.Stat(filepath.Join(dir, "make-4.4.1.tar.gz"))
	require.True(t, os.IsNotExist(err))
}

func TestUnpackSingleFileArchiveNoopOnDirectoryTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b.txt"), []byte("x"), 0o644))

	require.NoError(t, UnpackSingleFileArchive(dir))

	got, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}

func TestUnpackSingleFileArchiveNoopOnNonArchiveFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload.bin"), []byte("raw"), 0o644))

	require.NoError(t, UnpackSingleFileArchive(dir))

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, "raw", string(got))
}

func TestDecompressZstdRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte("zstd payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, closeFn, err := Decompress(&buf, CodecZstd)
	require.NoError(t, err)
	defer closeFn()

	out := new(bytes.Buffer)
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	require.Equal(t, "zstd payload", out.String())
}
