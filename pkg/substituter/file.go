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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parca-dev/parca-agent/pkg/narinfo"
	"github.com/parca-dev/parca-agent/pkg/storepath"
)

// smallFileSize caps how much of a redirect/narinfo file this backend will
// read into memory, carried directly from original_source/src/substituter/file.rs's
// SMALL_FILE_SIZE constant (1MiB - 1): these are small metadata files, never
// the (potentially huge) NAR payload itself.
const smallFileSize = 1024*1024 - 1

// File is the file:// substituter: a binary cache laid out on a local
// filesystem, grounded on original_source/src/substituter/file.rs.
type File struct {
	root string
}

func NewFile(root string) *File {
	return &File{root: filepath.Clean(root)}
}

func (f *File) Name() string { return "file://" + f.root }

// resolve joins rel onto root and verifies the result did not escape root
// via ".." traversal — the one path-traversal defense the original applies
// specifically to this backend (return_nar's canonicalize-and-check), since
// file:// content is untrusted relative path data derived from a redirect or
// narinfo file rather than from the request URL itself.
func (f *File) resolve(rel string) (string, error) {
	full := filepath.Join(f.root, rel)
	cleanRoot := f.root + string(filepath.Separator)
	if full != f.root && !strings.HasPrefix(full, cleanRoot) {
		return "", fmt.Errorf("substituter: file: %q escapes root", rel)
	}
	return full, nil
}

func (f *File) readSmall(path string) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer fh.Close()
	data, err := io.ReadAll(io.LimitReader(fh, smallFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if len(data) > smallFileSize {
		return nil, fmt.Errorf("substituter: file: %s exceeds small-file cap", path)
	}
	return data, nil
}

func (f *File) DebugInfoRedirect(ctx context.Context, id storepath.BuildId) (DebugInfoRedirect, error) {
	prefix, rest, err := id.SplitForIndex()
	if err != nil {
		return DebugInfoRedirect{}, ErrNotFound
	}
	rel := filepath.Join("debuginfo", prefix+rest+".debug")
	path, err := f.resolve(rel)
	if err != nil {
		return DebugInfoRedirect{}, err
	}
	data, err := f.readSmall(path)
	if err != nil {
		return DebugInfoRedirect{}, err
	}
	var redirect DebugInfoRedirect
	if err := json.Unmarshal(data, &redirect); err != nil {
		return DebugInfoRedirect{}, fmt.Errorf("substituter: file: malformed redirect: %w", err)
	}
	return redirect, nil
}

func (f *File) lookupNarInfo(path storepath.StorePath) (*narinfo.NarInfo, error) {
	narInfoPath, err := f.resolve(path.Hash + ".narinfo")
	if err != nil {
		return nil, err
	}
	raw, err := f.readSmall(narInfoPath)
	if err != nil {
		return nil, err
	}
	info, err := narinfo.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("substituter: file: %w: %v", ErrTransient, err)
	}
	return info, nil
}

// LookupNarInfo implements NarInfoLookup.
func (f *File) LookupNarInfo(ctx context.Context, path storepath.StorePath) (string, error) {
	info, err := f.lookupNarInfo(path)
	if err != nil {
		return "", err
	}
	return info.Deriver, nil
}

func (f *File) FetchStorePath(ctx context.Context, path storepath.StorePath) (Stream, string, error) {
	info, err := f.lookupNarInfo(path)
	if err != nil {
		return Stream{}, "", err
	}
	if info.URL == "" {
		return Stream{}, "", errors.New("substituter: file: narinfo missing URL")
	}
	narPath, err := f.resolve(info.URL)
	if err != nil {
		return Stream{}, "", err
	}
	fh, err := os.Open(narPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Stream{}, "", ErrNotFound
		}
		return Stream{}, "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	size := int64(-1)
	if fi, err := fh.Stat(); err == nil {
		size = fi.Size()
	}
	return Stream{ReadCloser: fh, Size: size}, string(info.Compression), nil
}
