// Package storepath implements the data types for Nix build identifiers and
// Nix store paths (spec.md §3).
package storepath

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultStoreDir is used when NIX_STORE_DIR is unset.
const DefaultStoreDir = "/nix/store"

var buildIDPattern = regexp.MustCompile(`^[0-9a-f]{2,}$`)

// BuildId is a lowercase hex string identifying an ELF's .note.gnu.build-id.
// It is opaque to the server beyond validation.
type BuildId string

// ParseBuildId validates s as a BuildId. debuginfod build-ids are conventionally
// 40 hex characters (sha1) but the protocol does not mandate a fixed length,
// so only the hex-and-length-at-least-2 shape is enforced.
func ParseBuildId(s string) (BuildId, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !buildIDPattern.MatchString(s) {
		return "", fmt.Errorf("storepath: %q is not a valid build-id", s)
	}
	return BuildId(s), nil
}

// SplitForIndex returns the two path components used by the
// .build-id/xx/yyyy.debug on-disk convention: the first byte (2 hex chars)
// and the remainder.
func (b BuildId) SplitForIndex() (prefix, rest string, err error) {
	s := string(b)
	if len(s) < 3 {
		return "", "", fmt.Errorf("storepath: build-id %q too short to split", s)
	}
	return s[:2], s[2:], nil
}

func (b BuildId) String() string { return string(b) }

var ErrInvalidStorePath = errors.New("storepath: not a valid store path")

// hashCharset is Nix's base-32 alphabet (no 'e','o','u','t' to avoid
// accidental English words, per the Nix store path spec).
const hashCharset = "0123456789abcdfghijklmnpqrsvwxyz"

const hashLen = 32

var storePathNamePattern = regexp.MustCompile(`^[0-9a-zA-Z+._?=-]+$`)

// StorePath is an absolute path of the form <storeDir>/<32-char hash>-<name>.
// Two different StorePaths never denote the same content (spec.md §3).
type StorePath struct {
	StoreDir string
	Hash     string
	Name     string
}

// Parse parses an absolute store path string against storeDir (the value of
// NIX_STORE_DIR, defaulting to DefaultStoreDir).
func Parse(storeDir, s string) (StorePath, error) {
	if storeDir == "" {
		storeDir = DefaultStoreDir
	}
	storeDir = strings.TrimRight(storeDir, "/")
	if !strings.HasPrefix(s, storeDir+"/") {
		return StorePath{}, fmt.Errorf("%w: %q does not start with store dir %q", ErrInvalidStorePath, s, storeDir)
	}
	base := strings.TrimPrefix(s, storeDir+"/")
	// base is "/" free from here; a store path never nests.
	if i := strings.IndexByte(base, '/'); i != -1 {
		base = base[:i]
	}
	if len(base) < hashLen+2 || base[hashLen] != '-' {
		return StorePath{}, fmt.Errorf("%w: %q is malformed", ErrInvalidStorePath, s)
	}
	hash := base[:hashLen]
	name := base[hashLen+1:]
	for i := 0; i < len(hash); i++ {
		if strings.IndexByte(hashCharset, hash[i]) == -1 {
			return StorePath{}, fmt.Errorf("%w: %q has an invalid hash component", ErrInvalidStorePath, s)
		}
	}
	if name == "" || !storePathNamePattern.MatchString(name) {
		return StorePath{}, fmt.Errorf("%w: %q has an invalid name component", ErrInvalidStorePath, s)
	}
	return StorePath{StoreDir: storeDir, Hash: hash, Name: name}, nil
}

// Absolute renders the full filesystem path.
func (p StorePath) Absolute() string {
	return fmt.Sprintf("%s/%s-%s", p.StoreDir, p.Hash, p.Name)
}

func (p StorePath) String() string { return p.Absolute() }

// IsDebugOutput reports whether this store path is conventionally a "debug"
// output, i.e. its name ends in "-debug".
func (p StorePath) IsDebugOutput() bool {
	return strings.HasSuffix(p.Name, "-debug")
}

// IsDerivation reports whether the path names a .drv file.
func (p StorePath) IsDerivation() bool {
	return strings.HasSuffix(p.Name, ".drv")
}
