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

// Package archive implements the streaming decompression and archive-walking
// component of spec.md §4.3: entries are visited in stream order and never
// fully buffered in memory. Decompression codecs are dispatched by
// file-extension sniffing the way the teacher dispatches on extension in its
// own tooling (pkg/objectfile); the codecs themselves are the third-party
// decoders the retrieved example pack actually vendors rather than
// hand-rolled implementations.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	nixnar "github.com/nix-community/go-nix/pkg/nar"
	"github.com/ulikunitz/xz"
)

// Codec names a compression scheme, matching pkg/narinfo.Compression.
type Codec string

const (
	CodecNone  Codec = "none"
	CodecXZ    Codec = "xz"
	CodecZstd  Codec = "zstd"
	CodecBzip2 Codec = "bzip2"
	CodecGzip  Codec = "gzip"
)

// SniffCodec infers the compression codec from a URL or filename.
func SniffCodec(name string) Codec {
	switch {
	case strings.HasSuffix(name, ".xz"):
		return CodecXZ
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".zstd"):
		return CodecZstd
	case strings.HasSuffix(name, ".bz2"), strings.HasSuffix(name, ".tbz2"):
		return CodecBzip2
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"):
		return CodecGzip
	default:
		return CodecNone
	}
}

// ArchiveFormat names the container format layered under a codec, as
// distinct from the compression scheme itself.
type ArchiveFormat string

const (
	FormatNone ArchiveFormat = "none"
	FormatTar  ArchiveFormat = "tar"
	FormatZip  ArchiveFormat = "zip"
)

// SniffFormat infers the archive container format a Nix `src` tarball fetch
// takes (spec.md §4.6 step 5): a fetchurl'd source is a single compressed
// file, not a NAR directory tree, so once its NAR is extracted the result is
// one regular file whose own extension still needs unpacking.
func SniffFormat(name string) ArchiveFormat {
	switch {
	case strings.HasSuffix(name, ".tar"),
		strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"),
		strings.HasSuffix(name, ".tar.xz"),
		strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"),
		strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tar.zstd"):
		return FormatTar
	case strings.HasSuffix(name, ".zip"):
		return FormatZip
	default:
		return FormatNone
	}
}

// Decompress wraps r with the streaming decoder for codec. The returned close
// function releases the decoder's resources and must be called once the
// reader is no longer needed; for none, bzip2 and xz it is a no-op.
func Decompress(r io.Reader, codec Codec) (io.Reader, func() error, error) {
	switch codec {
	case CodecNone, "":
		return r, func() error { return nil }, nil
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: gzip: %w", err)
		}
		return zr, zr.Close, nil
	case CodecBzip2:
		return bzip2.NewReader(r), func() error { return nil }, nil
	case CodecXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: xz: %w", err)
		}
		return xr, func() error { return nil }, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: zstd: %w", err)
		}
		return zr, func() error { zr.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("archive: unsupported codec %q", codec)
	}
}

// Entry is one file visited while walking an archive, in stream order.
type Entry struct {
	Path     string // slash-separated, archive-relative
	Mode     os.FileMode
	IsDir    bool
	LinkName string // non-empty for symlinks
	Reader   io.Reader
}

// WalkFunc is called once per Entry. Returning an error aborts the walk.
type WalkFunc func(Entry) error

// WalkTar streams r (already decompressed) as a tar archive, the format
// Nix NARs are conventionally bridged to by substituters that don't speak
// NAR natively (spec.md §4.3, "NAR or tar-like archive format").
func WalkTar(r io.Reader, fn WalkFunc) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: tar: %w", err)
		}
		e := Entry{
			Path:     hdr.Name,
			Mode:     hdr.FileInfo().Mode(),
			IsDir:    hdr.Typeflag == tar.TypeDir,
			LinkName: hdr.Linkname,
			Reader:   tr,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// WalkNar streams r as a Nix Archive (NAR), the native format Nix binary
// caches serve store paths in. Uses
// github.com/nix-community/go-nix/pkg/nar, the same library pkg/narinfo
// relies on for the surrounding narinfo metadata, so this module never
// shells out to `nix-store --restore` the way original_source/src/nar.rs
// does — a native Go reader is available and preferred per the no-fallback-
// to-subprocess idiom of every example repo in the pack.
func WalkNar(r io.Reader, fn WalkFunc) error {
	nr, err := nixnar.NewReader(r)
	if err != nil {
		return fmt.Errorf("archive: nar: %w", err)
	}
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: nar: %w", err)
		}
		e := Entry{
			Path:     hdr.Path,
			IsDir:    hdr.Type == nixnar.TypeDirectory,
			LinkName: hdr.LinkTarget,
			Reader:   nr,
		}
		if hdr.Executable {
			e.Mode = 0o755
		} else {
			e.Mode = 0o644
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// WalkZip streams a zip archive. zip.Reader requires io.ReaderAt, so the
// archive must already be on disk: UnpackSingleFileArchive passes the zip
// file it finds inside the disk cache's scratch directory. WalkZip itself
// never spills a streaming io.Reader to a file.
func WalkZip(ra io.ReaderAt, size int64, fn WalkFunc) error {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return fmt.Errorf("archive: zip: %w", err)
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("archive: zip: opening %s: %w", f.Name, err)
		}
		e := Entry{
			Path:  f.Name,
			Mode:  f.Mode(),
			IsDir: f.FileInfo().IsDir(),
		}
		e.Reader = rc
		err = fn(e)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// UnpackSingleFileArchive inspects dir after a NAR extraction: a Nix `src`
// fetched via fetchurl NARs to a single compressed file with no directory
// structure of its own, which a plain NAR extraction leaves sitting in dir
// unexercised (spec.md §4.6 step 5). If dir holds exactly one regular file
// recognized by SniffFormat, that file is decompressed and unpacked in
// place — stripping its single leading path component, mirroring the
// directory Nix's generic builder `cd`s into after unpackPhase — and the
// raw archive blob is then removed. Anything else (an already-expanded
// directory tree, or a lone non-archive file) is left untouched.
func UnpackSingleFileArchive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", dir, err)
	}
	if len(entries) != 1 || entries[0].IsDir() {
		return nil
	}
	name := entries[0].Name()
	format := SniffFormat(name)
	if format == FormatNone {
		return nil
	}
	archivePath := filepath.Join(dir, name)

	switch format {
	case FormatTar:
		f, err := os.Open(archivePath)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", archivePath, err)
		}
		defer f.Close()
		r, closeDecoder, err := Decompress(f, SniffCodec(name))
		if err != nil {
			return fmt.Errorf("archive: decompressing %s: %w", archivePath, err)
		}
		defer closeDecoder()
		if err := ExtractTo(dir, func(fn WalkFunc) error {
			return WalkTar(r, stripFirstPathComponent(fn))
		}); err != nil {
			return fmt.Errorf("archive: unpacking %s: %w", archivePath, err)
		}
	case FormatZip:
		fi, err := os.Stat(archivePath)
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", archivePath, err)
		}
		f, err := os.Open(archivePath)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", archivePath, err)
		}
		defer f.Close()
		if err := ExtractTo(dir, func(fn WalkFunc) error {
			return WalkZip(f, fi.Size(), stripFirstPathComponent(fn))
		}); err != nil {
			return fmt.Errorf("archive: unpacking %s: %w", archivePath, err)
		}
	}
	return os.Remove(archivePath)
}

// stripFirstPathComponent wraps fn to drop an Entry's leading path
// component (e.g. "make-4.4.1/src/main.c" -> "src/main.c"), and to skip the
// top-level directory entry itself once its name is gone.
func stripFirstPathComponent(fn WalkFunc) WalkFunc {
	return func(e Entry) error {
		rel, ok := stripFirstComponent(e.Path)
		if !ok || rel == "" {
			return nil
		}
		e.Path = rel
		return fn(e)
	}
}

func stripFirstComponent(p string) (string, bool) {
	p = filepath.ToSlash(p)
	idx := strings.Index(p, "/")
	if idx == -1 {
		return "", false
	}
	return p[idx+1:], true
}

// ExtractTo fully unpacks every entry from fn's walk into destDir, used when
// the spec calls for materializing a whole NAR/tar tree into the disk cache
// rather than selectively reading one member.
func ExtractTo(destDir string, walk func(WalkFunc) error) error {
	return walk(func(e Entry) error {
		target := filepath.Join(destDir, filepath.FromSlash(e.Path))
		switch {
		case e.IsDir:
			return os.MkdirAll(target, 0o755)
		case e.LinkName != "":
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Symlink(e.LinkName, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			mode := e.Mode
			if mode == 0 {
				mode = 0o644
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(f, e.Reader)
			return err
		}
	})
}
