// Package narinfo models the narinfo metadata a substituter publishes about
// a store path (spec.md §3, "NarInfo"). Parsing of the on-wire textual
// format is delegated to github.com/nix-community/go-nix/pkg/narinfo, the
// library every Nix-binary-cache Go project in the retrieved example pack
// (kalbasit/ncps, flokli/nix-casync) uses for exactly this format; this
// package translates that upstream type into the shape the rest of this
// module consumes, so a future upstream rename only touches one file.
package narinfo

import (
	"fmt"
	"io"

	goNixNarinfo "github.com/nix-community/go-nix/pkg/narinfo"
)

// Compression algorithms understood by the archive extractor (spec.md §4.3).
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionXZ    Compression = "xz"
	CompressionZstd  Compression = "zstd"
	CompressionBzip2 Compression = "bzip2"
	CompressionGzip  Compression = "gzip"
)

// NarInfo is the immutable metadata describing one published StorePath.
type NarInfo struct {
	StorePath   string
	URL         string
	Compression Compression
	FileHash    string
	FileSize    uint64
	NarHash     string
	NarSize     uint64
	References  []string
	// Deriver is the store path of the .drv that produced this output, when
	// the substituter publishes it (debug outputs always should).
	Deriver string
	System  string
	CA      string
}

// Parse reads the textual narinfo format from r.
func Parse(r io.Reader) (*NarInfo, error) {
	raw, err := goNixNarinfo.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("narinfo: parse: %w", err)
	}
	return fromUpstream(raw), nil
}

func fromUpstream(raw *goNixNarinfo.NarInfo) *NarInfo {
	n := &NarInfo{
		StorePath:  raw.StorePath,
		URL:        raw.URL,
		FileSize:   raw.FileSize,
		NarSize:    raw.NarSize,
		References: raw.References,
		Deriver:    raw.Deriver,
		System:     raw.System,
		CA:         raw.CA,
	}
	if raw.FileHash != nil {
		n.FileHash = raw.FileHash.String()
	}
	if raw.NarHash != nil {
		n.NarHash = raw.NarHash.String()
	}
	switch raw.Compression {
	case "", "none":
		n.Compression = CompressionNone
	case "xz":
		n.Compression = CompressionXZ
	case "zstd", "zst":
		n.Compression = CompressionZstd
	case "bzip2", "bz2":
		n.Compression = CompressionBzip2
	case "gzip", "gz":
		n.Compression = CompressionGzip
	default:
		n.Compression = Compression(raw.Compression)
	}
	return n
}

// HasDeriver reports whether the substituter told us which derivation built
// this output; only packages built with a recent enough stdenv expose this
// (spec.md §4.6, "Only packages built with recent stdenv...").
func (n *NarInfo) HasDeriver() bool {
	return n.Deriver != ""
}
