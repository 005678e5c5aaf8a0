// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package layer

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/intern"
)

// DirEntry is one merged directory entry (§4.9).
type DirEntry struct {
	HostIno uint64
	Offset  uint64
	Type    uint8 // a syscall.DT_* constant.
	Name    string
}

// Merger implements C9: the merged directory listing across the layer
// stack, suppressing whiteouted names and stopping at opaque markers.
type Merger struct {
	stack *Stack
}

// NewMerger returns a Merger over stack.
func NewMerger(stack *Stack) *Merger {
	return &Merger{stack: stack}
}

// ReadDir streams the merged listing of the directory at dirPath (relative
// to every layer root alike — directories keep the same relative path
// across the union), skipping the first offset emitted entries (§4.9
// "Offset semantics") and calling accept for the rest. ReadDir stops as
// soon as accept returns false.
func (m *Merger) ReadDir(dirPath intern.Path, offset uint64, accept func(DirEntry) bool) error {
	components := m.stack.Interner.Components(dirPath)
	emitted := make(map[string]bool)
	var count uint64

	for layerIdx := m.stack.Top(); layerIdx >= 0; layerIdx-- {
		resolved, stopAfter, ok := m.resolveDirInLayer(layerIdx, components)
		if !ok {
			if stopAfter {
				break
			}
			continue
		}

		entries, err := os.ReadDir(resolved)
		if err != nil {
			return ferrors.Wrap("readdir", err)
		}

		opaqueReached := false
		for _, de := range entries {
			name := de.Name()
			if emitted[name] {
				continue
			}
			if name == opaqueMarker {
				opaqueReached = true
				continue
			}
			if strings.HasPrefix(name, whiteoutPrefix) {
				emitted[strings.TrimPrefix(name, whiteoutPrefix)] = true
				continue
			}
			emitted[name] = true

			if count >= offset {
				info, err := de.Info()
				if err != nil {
					return ferrors.Wrap("readdir", err)
				}
				entry := DirEntry{
					HostIno: hostIno(info),
					Offset:  count,
					Type:    dtypeFromMode(info.Mode()),
					Name:    name,
				}
				if !accept(entry) {
					return nil
				}
			}
			count++
		}

		if opaqueReached || stopAfter {
			break
		}
	}
	return nil
}

// resolveDirInLayer resolves components, a path relative to a layer root,
// to an absolute host directory path inside layer layerIdx, without
// allocating engine inodes for the transit (§4.9 item a). ok is false if
// the directory does not exist in this layer. stopAfter reports whether a
// whiteout or opaque marker was encountered anywhere along the walk,
// meaning the caller must not continue to lower layers after this one
// regardless of whether resolution itself succeeded.
func (m *Merger) resolveDirInLayer(layerIdx int, components []string) (resolved string, stopAfter bool, ok bool) {
	cur := m.stack.Root(layerIdx)
	for _, seg := range components {
		if exists(filepath.Join(cur, whiteoutNameFor(seg))) {
			return "", true, false
		}
		if exists(filepath.Join(cur, opaqueMarker)) {
			stopAfter = true
		}

		next := filepath.Join(cur, seg)
		st, err := os.Lstat(next)
		if err != nil || !st.IsDir() {
			return "", stopAfter, false
		}
		cur = next
	}
	return cur, stopAfter, true
}

func hostIno(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func dtypeFromMode(mode os.FileMode) uint8 {
	switch {
	case mode&os.ModeDir != 0:
		return syscall.DT_DIR
	case mode&os.ModeSymlink != 0:
		return syscall.DT_LNK
	case mode&os.ModeNamedPipe != 0:
		return syscall.DT_FIFO
	case mode&os.ModeSocket != 0:
		return syscall.DT_SOCK
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice != 0 {
			return syscall.DT_CHR
		}
		return syscall.DT_BLK
	case mode.IsRegular():
		return syscall.DT_REG
	default:
		return syscall.DT_UNKNOWN
	}
}
